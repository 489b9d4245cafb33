package connector

import (
	"fmt"

	"gopkg.in/gomail.v2"
)

// SendMail delivers an html message, optionally with file attachments.
func (p *Pool) SendMail(to []string, subject, htmlBody string, attachments ...string) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", p.cfg.SMTP.Sender)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)
	for _, path := range attachments {
		m.Attach(path)
	}

	d := gomail.NewDialer(p.cfg.SMTP.Host, p.cfg.SMTP.Port, p.cfg.SMTP.User, p.cfg.SMTP.Password)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send mail to %v: %w", to, err)
	}
	return nil
}
