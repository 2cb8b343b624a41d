package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailersend/mailersend-go"
)

// Message is one outbound email, provider-agnostic.
type Message struct {
	ToName     string
	ToEmail    string
	Subject    string
	HTML       string
	Attachment []byte // PDF bytes, nil for no attachment
	Filename   string
}

// Sender delivers a single email. Abstracted so tests can count and
// inspect sends without a mail provider.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// MailerSendSender delivers mail through the MailerSend API.
type MailerSendSender struct {
	client    *mailersend.Mailersend
	fromName  string
	fromEmail string
	timeout   time.Duration
}

func NewMailerSendSender(apiKey, fromName, fromEmail string) *MailerSendSender {
	return &MailerSendSender{
		client:    mailersend.NewMailersend(apiKey),
		fromName:  fromName,
		fromEmail: fromEmail,
		timeout:   15 * time.Second,
	}
}

func (s *MailerSendSender) Send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m := s.client.Email.NewMessage()
	m.SetFrom(mailersend.From{Name: s.fromName, Email: s.fromEmail})
	m.SetRecipients([]mailersend.Recipient{{Name: msg.ToName, Email: msg.ToEmail}})
	m.SetSubject(msg.Subject)
	m.SetHTML(msg.HTML)
	if msg.Attachment != nil {
		m.AddAttachment(mailersend.Attachment{
			Content:  base64.StdEncoding.EncodeToString(msg.Attachment),
			Filename: msg.Filename,
		})
	}

	_, err := s.client.Email.Send(ctx, m)
	return err
}

// EmailOutput sends the two receipt emails: the donor copy with the
// PDF attached and an informational copy to the charity. The sends
// are independent; one failing does not stop the other.
type EmailOutput struct {
	sender Sender
}

func NewEmailOutput(sender Sender) *EmailOutput {
	return &EmailOutput{sender: sender}
}

func (e *EmailOutput) Name() string { return "email" }

func (e *EmailOutput) Send(ctx context.Context, n *Notification) error {
	var errs []error

	if n.Donor.Email != "" {
		msg := Message{
			ToName:     n.Donor.FullName(),
			ToEmail:    n.Donor.Email,
			Subject:    fmt.Sprintf("Your donation receipt %s", n.Receipt.ReceiptNumber),
			HTML:       donorHTML(n),
			Attachment: n.PDF,
			Filename:   fmt.Sprintf("receipt-%s.pdf", n.Receipt.ReceiptNumber),
		}
		if err := e.sender.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("donor email: %w", err))
		}
	}

	if n.Charity.Email != "" {
		msg := Message{
			ToName:  n.Charity.Name,
			ToEmail: n.Charity.Email,
			Subject: fmt.Sprintf("Donation received, receipt %s issued", n.Receipt.ReceiptNumber),
			HTML:    charityHTML(n),
		}
		if err := e.sender.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("charity email: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (e *EmailOutput) Close() error { return nil }

func donorHTML(n *Notification) string {
	r := n.Receipt
	var b strings.Builder
	b.WriteString("<h2>Thank you for your donation</h2>")
	fmt.Fprintf(&b, "<p>Your donation to <strong>%s</strong> has been received and receipted.</p>", n.Charity.Name)
	b.WriteString("<ul>")
	fmt.Fprintf(&b, "<li>Receipt number: %s</li>", r.ReceiptNumber)
	fmt.Fprintf(&b, "<li>Date: %s</li>", r.DonationDate.Format("January 2, 2006"))
	fmt.Fprintf(&b, "<li>Amount: %s wei (%s)</li>", r.CryptoAmountWei, r.CryptoSymbol)
	fmt.Fprintf(&b, "<li>Fair market value: %s %s</li>", r.FiatAmount.StringFixed(2), strings.ToUpper(r.FiatCurrency))
	fmt.Fprintf(&b, "<li>Transaction: %s</li>", r.TxHash)
	b.WriteString("</ul>")
	b.WriteString("<p>Your official tax receipt is attached.</p>")
	return b.String()
}

func charityHTML(n *Notification) string {
	r := n.Receipt
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>Donation received</h2>")
	fmt.Fprintf(&b, "<p>%s donated to %s.</p>", n.Donor.FullName(), n.Charity.Name)
	b.WriteString("<ul>")
	fmt.Fprintf(&b, "<li>Receipt number: %s</li>", r.ReceiptNumber)
	fmt.Fprintf(&b, "<li>Net amount: %s wei (%s)</li>", r.NetAmountWei, r.CryptoSymbol)
	fmt.Fprintf(&b, "<li>Fair market value: %s %s</li>", r.FiatAmount.StringFixed(2), strings.ToUpper(r.FiatCurrency))
	fmt.Fprintf(&b, "<li>Transaction: %s</li>", r.TxHash)
	b.WriteString("</ul>")
	return b.String()
}
