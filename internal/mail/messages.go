package mail

import (
	"log/slog"

	"github.com/openquant/brokerlink/internal/render"
)

// Notices are best-effort security notifications: a failure to send is
// logged and never propagated into the triggering operation.

func SendLinkedNotice(sender MailSender, to, brokerName string) {
	sendNotice(sender, to, "Brokerage account connected", "mail/linked_notice", map[string]interface{}{
		"brokerName": brokerName,
	})
}

func SendDisconnectedNotice(sender MailSender, to, brokerName string) {
	sendNotice(sender, to, "Brokerage account disconnected", "mail/disconnected_notice", map[string]interface{}{
		"brokerName": brokerName,
	})
}

func sendNotice(sender MailSender, to, subject, template string, vars map[string]interface{}) {
	if sender == nil || to == "" {
		return
	}
	body, err := render.RenderHTML(template, vars)
	if err != nil {
		slog.Error("Failed to render mail notice", "template", template, "error", err)
		return
	}
	err = sender.Send(&Message{
		To:      []string{to},
		Subject: subject,
		Body:    body,
		IsHTML:  true,
	})
	if err != nil {
		slog.Error("Failed to send mail notice", "template", template, "error", err)
	}
}
