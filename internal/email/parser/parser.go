// Package parser turns raw RFC 5322 messages into normalized messages.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"mime"
	stdmail "net/mail"
	"regexp"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/gotrs-io/datawallet/internal/email/inbound/connector"
	"github.com/gotrs-io/datawallet/internal/models"
)

const (
	defaultBodyLimit       = 1 << 20
	defaultAttachmentLimit = 64 << 20
)

// ErrEmptyMessage is returned for a zero-length payload.
var ErrEmptyMessage = errors.New("empty message")

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Parser converts raw messages. It is safe for concurrent use.
type Parser struct {
	logger          *log.Logger
	now             func() time.Time
	maxBodyBytes    int64
	attachmentLimit int64
	stripper        *bluemonday.Policy
	decoder         *mime.WordDecoder
}

// Option customizes a Parser.
type Option func(*Parser)

// New returns a parser with default limits.
func New(opts ...Option) *Parser {
	p := &Parser{
		logger:          log.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		maxBodyBytes:    defaultBodyLimit,
		attachmentLimit: defaultAttachmentLimit,
		stripper:        bluemonday.StrictPolicy(),
		decoder:         &mime.WordDecoder{CharsetReader: htmlcharset.NewReaderLabel},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithLogger overrides the diagnostics logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the fallback receive time source.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// WithBodyLimit caps the number of body bytes kept.
func WithBodyLimit(limit int64) Option {
	return func(p *Parser) {
		if limit > 0 {
			p.maxBodyBytes = limit
		}
	}
}

// WithAttachmentLimit caps the number of bytes read per attachment.
func WithAttachmentLimit(limit int64) Option {
	return func(p *Parser) {
		if limit > 0 {
			p.attachmentLimit = limit
		}
	}
}

// ParseFetched parses a message pulled from a mail source and stamps its source id.
func (p *Parser) ParseFetched(msg *connector.FetchedMessage) (*models.NormalizedMessage, error) {
	if msg == nil {
		return nil, ErrEmptyMessage
	}
	out, err := p.Parse(msg.Raw)
	if err != nil {
		return nil, err
	}
	out.SourceID = msg.UID
	if out.ReceivedAt.IsZero() && !msg.ReceivedAt.IsZero() {
		out.ReceivedAt = msg.ReceivedAt
	}
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = p.now()
	}
	return out, nil
}

// Parse decodes headers, body and attachments of a raw message.
func (p *Parser) Parse(raw []byte) (*models.NormalizedMessage, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if reader == nil {
		return nil, fmt.Errorf("parse message: no reader")
	}
	defer reader.Close()

	header := &reader.Header
	msg := &models.NormalizedMessage{
		MessageID:      normalizeMessageID(header.Get("Message-Id")),
		From:           p.addressFromHeader(header, "From"),
		OriginalSender: p.originalSender(header),
		To:             p.addressesFromHeader(header, "To"),
		Subject:        p.subjectFromHeader(header),
		Size:           int64(len(raw)),
		Authenticity:   ParseAuthenticationResults(header.Values("Authentication-Results")...),
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date.UTC()
	}
	if msg.From == "" {
		return nil, fmt.Errorf("parse message: missing From address")
	}

	body, bodyType, attachments := p.readParts(reader)
	msg.Body = body
	msg.BodyType = bodyType
	msg.Attachments = attachments
	return msg, nil
}

func (p *Parser) readParts(reader *gomail.Reader) (string, string, []models.Attachment) {
	var plain, htmlBody string
	var attachments []models.Attachment
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.logger.Printf("parser: read part failed: %v", err)
			break
		}
		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			mediaType, _, ctErr := header.ContentType()
			if ctErr != nil || mediaType == "" {
				mediaType = "text/plain"
			}
			mediaType = strings.ToLower(mediaType)
			body, readErr := io.ReadAll(io.LimitReader(part.Body, p.maxBodyBytes))
			if readErr != nil {
				p.logger.Printf("parser: read body failed: %v", readErr)
				continue
			}
			switch {
			case strings.HasPrefix(mediaType, "text/html"):
				if htmlBody == "" {
					htmlBody = string(body)
				}
			case strings.HasPrefix(mediaType, "text/"):
				if plain == "" {
					plain = string(body)
				}
			default:
				// Inline non-text parts are kept as attachments.
				attachments = append(attachments, models.Attachment{
					Filename:    fmt.Sprintf("inline-%d", len(attachments)+1),
					ContentType: mediaType,
					Size:        int64(len(body)),
					Data:        body,
				})
			}
		case *gomail.AttachmentHeader:
			if att := p.extractAttachment(part, header, len(attachments)+1); att != nil {
				attachments = append(attachments, *att)
			}
		}
	}
	switch {
	case plain != "":
		return strings.TrimSpace(plain), "text/plain", attachments
	case htmlBody != "":
		return p.stripHTML(htmlBody), "text/html", attachments
	default:
		return "", "text/plain", attachments
	}
}

func (p *Parser) extractAttachment(part *gomail.Part, header *gomail.AttachmentHeader, index int) *models.Attachment {
	filename, err := header.Filename()
	if err != nil || strings.TrimSpace(filename) == "" {
		filename = fmt.Sprintf("attachment-%d.bin", index)
	}
	mediaType, _, ctErr := header.ContentType()
	if ctErr != nil || strings.TrimSpace(mediaType) == "" {
		mediaType = "application/octet-stream"
	}
	data, readErr := io.ReadAll(io.LimitReader(part.Body, p.attachmentLimit))
	if readErr != nil {
		p.logger.Printf("parser: read attachment %s failed: %v", filename, readErr)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	return &models.Attachment{
		Filename:    filename,
		ContentType: strings.ToLower(strings.TrimSpace(mediaType)),
		Size:        int64(len(data)),
		Data:        data,
	}
}

func (p *Parser) stripHTML(body string) string {
	text := p.stripper.Sanitize(body)
	text = html.UnescapeString(text)
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}

func (p *Parser) subjectFromHeader(header *gomail.Header) string {
	if subject, err := header.Subject(); err == nil {
		return strings.TrimSpace(subject)
	}
	return p.decodeHeader(header.Get("Subject"))
}

func (p *Parser) addressFromHeader(header *gomail.Header, key string) string {
	if list, err := header.AddressList(key); err == nil && len(list) > 0 {
		return strings.ToLower(strings.TrimSpace(list[0].Address))
	}
	return p.parseAddress(header.Get(key))
}

func (p *Parser) addressesFromHeader(header *gomail.Header, key string) []string {
	list, err := header.AddressList(key)
	if err != nil {
		if addr := p.parseAddress(header.Get(key)); addr != "" {
			return []string{addr}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(strings.TrimSpace(a.Address)))
	}
	return out
}

// originalSender reads the forwarding headers set by relays and mail clients.
func (p *Parser) originalSender(header *gomail.Header) string {
	for _, key := range []string{"X-Original-From", "Resent-From", "X-Forwarded-For"} {
		if header.Get(key) == "" {
			continue
		}
		if addr := p.addressFromHeader(header, key); addr != "" {
			return addr
		}
	}
	return ""
}

func (p *Parser) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	decoded, err := p.decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func (p *Parser) parseAddress(value string) string {
	value = p.decodeHeader(value)
	if value == "" {
		return ""
	}
	if addr, err := stdmail.ParseAddress(value); err == nil {
		return strings.ToLower(strings.TrimSpace(addr.Address))
	}
	if strings.Contains(value, "@") && !strings.ContainsAny(value, " <>") {
		return strings.ToLower(value)
	}
	return ""
}

func normalizeMessageID(value string) string {
	return strings.Trim(strings.TrimSpace(value), "<>")
}

var authResultPattern = regexp.MustCompile(`(?i)\b(spf|dkim|dmarc)\s*=\s*([a-z]+)`)

// ParseAuthenticationResults reads spf, dkim and dmarc verdicts from one or
// more Authentication-Results header values. The first verdict per mechanism wins.
func ParseAuthenticationResults(values ...string) models.AuthenticitySignals {
	signals := models.AuthenticitySignals{SPF: models.SignalNone, DKIM: models.SignalNone, DMARC: models.SignalNone}
	seen := map[string]bool{}
	for _, value := range values {
		for _, m := range authResultPattern.FindAllStringSubmatch(value, -1) {
			mechanism := strings.ToLower(m[1])
			if seen[mechanism] {
				continue
			}
			seen[mechanism] = true
			verdict := classifyVerdict(m[2])
			switch mechanism {
			case "spf":
				signals.SPF = verdict
			case "dkim":
				signals.DKIM = verdict
			case "dmarc":
				signals.DMARC = verdict
			}
		}
	}
	return signals
}

func classifyVerdict(v string) models.SignalResult {
	switch strings.ToLower(v) {
	case "pass":
		return models.SignalPass
	case "fail", "softfail", "permerror", "hardfail":
		return models.SignalFail
	default:
		return models.SignalNone
	}
}
