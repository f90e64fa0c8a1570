package mailbox

import (
	"bytes"
	"io"
	stdmail "net/mail"
	"regexp"
	"strings"

	gomail "github.com/emersion/go-message/mail"
)

// codePatterns is ordered by specificity: labelled codes win over a bare
// digit run found elsewhere in the text. First match returns.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)your code is[:\s]+(\d{4,8})`),
	regexp.MustCompile(`(?i)verification[:\s]+(\d{4,8})`),
	regexp.MustCompile(`(?i)confirm[:\s]+(\d{4,8})`),
	regexp.MustCompile(`(?i)code[:\s]+(\d{4,8})`),
	regexp.MustCompile(`\b(\d{4,8})\b`),
}

// ExtractCode scans text for a 4-8 digit verification code, trying the
// labelled patterns before falling back to any digit run. Returns ""
// when nothing matches.
func ExtractCode(text string) string {
	if text == "" {
		return ""
	}
	for _, pattern := range codePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

const maxBodyBytes = 1 << 20

// parseMessage splits a raw RFC 822 message into subject and
// concatenated text body. Multipart messages contribute every inline
// text part; a parse failure falls back to net/mail.
func parseMessage(raw []byte) (subject, body string) {
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return parseMessageLegacy(raw)
	}
	defer reader.Close()

	if s, err := reader.Header.Subject(); err == nil {
		subject = s
	} else {
		subject = reader.Header.Get("Subject")
	}

	var sb strings.Builder
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if _, ok := part.Header.(*gomail.InlineHeader); !ok {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
		if err != nil {
			continue
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}
	return subject, sb.String()
}

func parseMessageLegacy(raw []byte) (subject, body string) {
	msg, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", string(raw)
	}
	subject = msg.Header.Get("Subject")
	data, err := io.ReadAll(io.LimitReader(msg.Body, maxBodyBytes))
	if err != nil {
		return subject, ""
	}
	return subject, string(data)
}
