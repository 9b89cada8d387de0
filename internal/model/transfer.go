package model

// TransferRequest describes one inbound relay request. It is created when a
// message containing a URL arrives and is immutable for the lifetime of the
// pipeline run it triggers.
type TransferRequest struct {
	URL       string
	UserID    int64 // requesting identity
	ChatID    int64 // destination conversation
	MessageID int   // originating message, used for reply threading
}

// Artifact is a locally stored file produced by a fetch or transform stage.
// Bytes is the count actually written to disk, which is authoritative for
// delivery-tier selection; DeclaredBytes is the content-length announced by
// the remote side and may be zero or wrong.
type Artifact struct {
	Path          string
	Filename      string
	Bytes         int64
	DeclaredBytes int64
}

// Button is a single interactive control rendered under a status message.
// Data is the opaque callback payload echoed back on a press.
type Button struct {
	Label string
	Data  string
}
