package domain

// Inbound is the transport-independent shape of one received SMS/MMS.
type Inbound struct {
	From                  string
	Body                  string
	AttachmentURL         string
	AttachmentContentType string
}

// HasAttachment reports whether the message carries a media attachment.
func (in Inbound) HasAttachment() bool {
	return in.AttachmentURL != ""
}
