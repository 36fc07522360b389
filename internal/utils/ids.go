package utils

import (
	"crypto/sha256"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const nanoidAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func GenerateNanoIDWithPrefix(prefix string, length int) string {
	id, err := gonanoid.Generate(nanoidAlphabet, length)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%s_%s", prefix, id)
}

// GenerateMessageID creates a unique RFC 5322 message ID for the given domain
func GenerateMessageID(domain, metadata string) string {
	id, err := gonanoid.Generate(nanoidAlphabet, 12)
	if err != nil {
		panic(err)
	}

	timestamp := time.Now().UnixMicro()

	var hashComponent string
	if metadata != "" {
		hash := sha256.Sum256([]byte(metadata))
		hashComponent = fmt.Sprintf(".%x", hash[:4])
	}

	localPart := fmt.Sprintf("%d.%s%s", timestamp, id, hashComponent)
	return fmt.Sprintf("<%s@%s>", localPart, domain)
}
