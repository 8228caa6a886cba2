package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/msgcore/msgcore/internal/guard"
	"github.com/msgcore/msgcore/internal/platform"
)

// maxPartDepth caps multipart nesting to keep malformed mail from recursing.
const maxPartDepth = 8

type parsedMail struct {
	Body        string
	Attachments []platform.Attachment
}

// parseMessage extracts a markdown body and the attachment parts from one
// raw RFC 5322 message. A text/plain part wins; HTML-only mail is converted
// to markdown.
func parseMessage(raw []byte) (parsedMail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return parsedMail{}, fmt.Errorf("read message: %w", err)
	}

	var parts partCollector
	header := textproto.MIMEHeader{}
	for key, values := range msg.Header {
		header[textproto.CanonicalMIMEHeaderKey(key)] = values
	}
	if err := parts.walk(header, msg.Body, 0); err != nil {
		return parsedMail{}, err
	}

	body := strings.TrimSpace(parts.plain)
	if body == "" && strings.TrimSpace(parts.html) != "" {
		converted, convErr := htmltomarkdown.ConvertString(parts.html)
		if convErr != nil {
			return parsedMail{}, fmt.Errorf("convert html body: %w", convErr)
		}
		body = strings.TrimSpace(converted)
	}
	return parsedMail{Body: body, Attachments: parts.attachments}, nil
}

type partCollector struct {
	plain       string
	html        string
	attachments []platform.Attachment
}

func (c *partCollector) walk(header textproto.MIMEHeader, body io.Reader, depth int) error {
	if depth > maxPartDepth {
		return fmt.Errorf("multipart nesting exceeds %d levels", maxPartDepth)
	}

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart without boundary")
		}
		reader := multipart.NewReader(body, boundary)
		for {
			part, partErr := reader.NextPart()
			if partErr == io.EOF {
				return nil
			}
			if partErr != nil {
				return fmt.Errorf("read part: %w", partErr)
			}
			if walkErr := c.walk(part.Header, part, depth+1); walkErr != nil {
				return walkErr
			}
		}
	}

	data, err := decodePart(header.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		return err
	}

	filename := partFilename(header, params)
	disposition := strings.ToLower(header.Get("Content-Disposition"))
	if filename != "" || strings.HasPrefix(disposition, "attachment") {
		if filename == "" {
			filename = "attachment"
		}
		c.attachments = append(c.attachments, platform.Attachment{
			Data:     base64.StdEncoding.EncodeToString(data),
			Filename: filename,
			MimeType: mediaType,
		})
		return nil
	}

	switch mediaType {
	case "text/plain":
		if c.plain == "" {
			c.plain = string(data)
		}
	case "text/html":
		if c.html == "" {
			c.html = string(data)
		}
	}
	return nil
}

// decodePart applies the transfer encoding and caps the decoded size.
func decodePart(encoding string, body io.Reader) ([]byte, error) {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		reader = base64.NewDecoder(base64.StdEncoding, body)
	case "quoted-printable":
		reader = quotedprintable.NewReader(body)
	default:
		reader = body
	}
	data, err := io.ReadAll(io.LimitReader(reader, guard.DefaultMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("decode part: %w", err)
	}
	return data, nil
}

func partFilename(header textproto.MIMEHeader, typeParams map[string]string) string {
	if disposition := header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return decodeHeaderWord(name)
			}
		}
	}
	if name := strings.TrimSpace(typeParams["name"]); name != "" {
		return decodeHeaderWord(name)
	}
	return ""
}

func decodeHeaderWord(value string) string {
	decoder := &mime.WordDecoder{}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
