package domain

// Receipt is the carrier's acknowledgement of an outbound message.
type Receipt struct {
	ID     string
	Status string
}
