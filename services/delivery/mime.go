package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/mailbridge/mailbridge/internal/models"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/internal/utils"
)

// buildMessage renders the delivery as an RFC 5322 message. It assigns a
// message id when the record does not carry one yet and captures the
// envelope metadata that gets persisted next to the record.
func buildMessage(ctx context.Context, delivery *models.Delivery, domain string) (*bytes.Buffer, models.JSONMap, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "buildMessage")
	defer span.Finish()

	if delivery.MessageID == "" {
		delivery.MessageID = utils.GenerateMessageID(domain, "")
	}

	headers := buildHeaders(delivery)
	tracing.LogObjectAsJson(span, "headers", headers)

	envelope := models.JSONMap{
		"from":       delivery.FromAddress,
		"to":         delivery.AllRecipients(),
		"messageId":  delivery.MessageID,
		"subject":    delivery.Subject,
		"date":       headers["Date"],
		"returnPath": delivery.FromAddress,
	}
	if delivery.ReplyTo != "" {
		envelope["replyTo"] = delivery.ReplyTo
	}

	buffer := bytes.NewBuffer(nil)
	var err error
	if delivery.HasRichContent() {
		err = buildMultipartBody(delivery, headers, buffer)
	} else {
		err = buildPlainTextBody(delivery, headers, buffer)
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, nil, err
	}

	return buffer, envelope, nil
}

func buildHeaders(delivery *models.Delivery) map[string]string {
	headers := map[string]string{
		"From":         delivery.FromAddress,
		"To":           strings.Join(delivery.ToAddresses, ", "),
		"Subject":      delivery.Subject,
		"Message-ID":   fmt.Sprintf("<%s>", strings.Trim(delivery.MessageID, "<>")),
		"Date":         utils.Now().Format(time.RFC1123Z),
		"MIME-Version": "1.0",
	}
	if len(delivery.CcAddresses) > 0 {
		headers["Cc"] = strings.Join(delivery.CcAddresses, ", ")
	}
	if delivery.ReplyTo != "" {
		headers["Reply-To"] = delivery.ReplyTo
	}
	return headers
}

// buildMultipartBody writes a multipart/alternative message with the text
// part first so clients prefer the HTML rendering.
func buildMultipartBody(delivery *models.Delivery, headers map[string]string, buffer *bytes.Buffer) error {
	writer := multipart.NewWriter(buffer)
	headers["Content-Type"] = "multipart/alternative; boundary=" + writer.Boundary()
	writeHeaders(headers, buffer)

	if delivery.BodyText != "" {
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/plain; charset=UTF-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return fmt.Errorf("failed to create text part: %w", err)
		}
		if err = writeQuotedPrintable(part, delivery.BodyText); err != nil {
			return fmt.Errorf("failed to write text content: %w", err)
		}
	}

	if delivery.BodyHTML != "" {
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/html; charset=UTF-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return fmt.Errorf("failed to create HTML part: %w", err)
		}
		if err = writeQuotedPrintable(part, delivery.BodyHTML); err != nil {
			return fmt.Errorf("failed to write HTML content: %w", err)
		}
	}

	return writer.Close()
}

func buildPlainTextBody(delivery *models.Delivery, headers map[string]string, buffer *bytes.Buffer) error {
	headers["Content-Type"] = "text/plain; charset=UTF-8"
	writeHeaders(headers, buffer)
	_, err := buffer.WriteString(delivery.BodyText)
	return err
}

func writeQuotedPrintable(w io.Writer, content string) error {
	encoder := quotedprintable.NewWriter(w)
	if _, err := encoder.Write([]byte(content)); err != nil {
		return err
	}
	return encoder.Close()
}

func writeHeaders(headers map[string]string, buffer *bytes.Buffer) {
	for k, v := range headers {
		buffer.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	buffer.WriteString("\r\n")
}
