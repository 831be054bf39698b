package delivery

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"otp-relay/internal/notify"
)

// NotFound is the OTP value used when a body carries no code.
const NotFound = "No OTP found"

var otpPattern = regexp.MustCompile(`\b(\d{5,8})\b`)

// ExtractOTP returns the first standalone run of 5 to 8 digits in body,
// or NotFound.
func ExtractOTP(body string) string {
	m := otpPattern.FindStringSubmatch(body)
	if m == nil {
		return NotFound
	}
	return m[1]
}

// TimeLayout formats the capture time in payloads.
const TimeLayout = "2006-01-02 15:04:05"

// DefaultTemplate renders a Telegram HTML message.
const DefaultTemplate = `🔥 <b>{{.Country}} {{.Service}} OTP RECEIVED!</b> ✨

⏰ Time: {{.Time}}
🌍 Country: {{.Country}}
⚙️ Service: {{.Service}}
☎️ Number: <code>{{.Number}}</code>
🔑 OTP: <code>{{.OTP}}</code>

📩 Full Message:
{{.Message}}`

// Notification is the data a payload template can reference.
type Notification struct {
	Time      string
	ServiceID string
	Country   string
	Service   string
	CLI       string
	Number    string
	OTP       string
	Message   string
}

// NewNotification builds the template data for one message. The country
// is the service id without its last word; the service label is the CLI
// shown on the card, falling back to the id's last word.
func NewNotification(capturedAt time.Time, serviceID, number, cli, body string) Notification {
	country, name := SplitServiceID(serviceID)
	service := strings.TrimSpace(cli)
	if service == "" {
		service = name
	}
	return Notification{
		Time:      capturedAt.Format(TimeLayout),
		ServiceID: serviceID,
		Country:   country,
		Service:   service,
		CLI:       cli,
		Number:    number,
		OTP:       ExtractOTP(body),
		Message:   body,
	}
}

// SplitServiceID splits "Ivory Coast WhatsApp" into ("Ivory Coast",
// "WhatsApp"). A single-word id is returned as both parts.
func SplitServiceID(id string) (country, service string) {
	words := strings.Fields(id)
	if len(words) < 2 {
		id = strings.TrimSpace(id)
		return id, id
	}
	return strings.Join(words[:len(words)-1], " "), words[len(words)-1]
}

// Template renders notifications. Values are HTML-escaped.
type Template struct {
	tmpl  *template.Template
	limit int
}

// ParseTemplate compiles text, or DefaultTemplate when text is empty. The
// template is executed once against a sample notification so a reference
// to an unknown field fails here rather than on every message.
func ParseTemplate(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	t, err := template.New("notification").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse notification template: %w", err)
	}
	tmpl := &Template{tmpl: t, limit: notify.MaxMessageLen}
	sample := NewNotification(time.Now(), "Nigeria WhatsApp", "2348000000000", "WhatsApp", "Your code is 123456")
	if _, err := tmpl.execute(sample); err != nil {
		return nil, fmt.Errorf("invalid notification template: %w", err)
	}
	return tmpl, nil
}

// Render executes the template. When the result is longer than the
// transport allows, the message body is cut to the longest prefix that
// fits, leaving the markup around it intact.
func (t *Template) Render(n Notification) (string, error) {
	out, err := t.execute(n)
	if err != nil {
		return "", fmt.Errorf("failed to render notification: %w", err)
	}
	if t.limit <= 0 || utf8.RuneCountInString(out) <= t.limit {
		return out, nil
	}

	body := []rune(n.Message)
	cut := func(k int) (string, bool) {
		n.Message = string(body[:k]) + "…"
		s, err := t.execute(n)
		return s, err == nil && utf8.RuneCountInString(s) <= t.limit
	}
	k := sort.Search(len(body), func(k int) bool {
		_, ok := cut(k)
		return !ok
	})
	if k == 0 {
		// Even an empty body is too long; the transport truncates.
		return out, nil
	}
	out, _ = cut(k - 1)
	return out, nil
}

func (t *Template) execute(n Notification) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}
