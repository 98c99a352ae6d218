package mailapi

// AttachmentResponse is the body returned by
// GET /messages/{messageId}/attachments/{attachmentId}.
type AttachmentResponse struct {
	// Data is the payload in URL-safe base64, padding optional.
	Data string `json:"data"`

	// Size is the decoded payload length, or 0 when omitted.
	Size int64 `json:"size"`
}

// ErrorResponse is the error body returned by the mail service.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}
