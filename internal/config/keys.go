package config

import (
	"errors"
	"fmt"
	"strings"
)

// AWSCredential is one Bedrock credential parsed from AWS_CREDENTIALS.
// Wire form: access:secret:region, entries comma-separated.
type AWSCredential struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// ErrMalformedAWSCredential indicates an AWS_CREDENTIALS entry that is not
// an access:secret:region triple.
var ErrMalformedAWSCredential = errors.New("AWS_CREDENTIALS entries must be access:secret:region triples")

// ParseAWSCredentials parses the AWS_CREDENTIALS environment value.
func ParseAWSCredentials(v string) ([]AWSCredential, error) {
	var creds []AWSCredential
	for _, entry := range splitList(v) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %q has %d fields", ErrMalformedAWSCredential, redactEntry(entry), len(parts))
		}
		for _, p := range parts {
			if strings.TrimSpace(p) == "" {
				return nil, fmt.Errorf("%w: empty field in %q", ErrMalformedAWSCredential, redactEntry(entry))
			}
		}
		creds = append(creds, AWSCredential{
			AccessKeyID:     strings.TrimSpace(parts[0]),
			SecretAccessKey: strings.TrimSpace(parts[1]),
			Region:          strings.TrimSpace(parts[2]),
		})
	}
	return creds, nil
}

// redactEntry hides secret material in error messages, keeping just enough
// of the access key to identify the entry.
func redactEntry(entry string) string {
	if len(entry) <= 8 {
		return "********"
	}
	return entry[:8] + "..."
}
