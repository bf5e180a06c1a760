package mail

type Message struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string
	IsHTML  bool
}

type MailSender interface {
	Send(message *Message) error
}

// NullSender drops every message; used when no mail backend is
// configured.
type NullSender struct{}

func (NullSender) Send(message *Message) error { return nil }
