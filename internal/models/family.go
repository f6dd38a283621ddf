// Package models defines the upstream services, API dialects, and the model
// family partitioning used for queueing and rate-limit lockouts.
package models

import "strings"

// Service identifies an upstream provider.
type Service string

const (
	// ServiceOpenAI is the OpenAI chat completions API.
	ServiceOpenAI Service = "openai"

	// ServiceAnthropic is the Anthropic messages API.
	ServiceAnthropic Service = "anthropic"

	// ServiceGooglePaLM is the Google PaLM generateText API.
	ServiceGooglePaLM Service = "google-palm"

	// ServiceAWS is Anthropic Claude hosted on AWS Bedrock.
	ServiceAWS Service = "aws"
)

// Dialect identifies a request/response wire schema. The client-facing
// dialect is always OpenAI; the outbound dialect depends on the service.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectPaLM      Dialect = "google-palm"
)

// DialectFor returns the wire dialect spoken by a service.
func DialectFor(s Service) Dialect {
	switch s {
	case ServiceAnthropic, ServiceAWS:
		return DialectAnthropic
	case ServiceGooglePaLM:
		return DialectPaLM
	default:
		return DialectOpenAI
	}
}

// Family is an equivalence class of model IDs sharing a rate-limit and
// pricing regime. Queueing and key lockouts are partitioned by family.
type Family string

const (
	FamilyTurbo     Family = "turbo"
	FamilyGPT4      Family = "gpt4"
	FamilyGPT432k   Family = "gpt4-32k"
	FamilyClaude    Family = "claude"
	FamilyBison     Family = "bison"
	FamilyAWSClaude Family = "aws-claude"
)

// AllFamilies returns every partition in dispatch order.
func AllFamilies() []Family {
	return []Family{
		FamilyTurbo,
		FamilyGPT4,
		FamilyGPT432k,
		FamilyClaude,
		FamilyBison,
		FamilyAWSClaude,
	}
}

// ParseFamily converts a configuration string to a Family.
// Returns false for unknown names.
func ParseFamily(s string) (Family, bool) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case FamilyTurbo:
		return FamilyTurbo, true
	case FamilyGPT4:
		return FamilyGPT4, true
	case FamilyGPT432k:
		return FamilyGPT432k, true
	case FamilyClaude:
		return FamilyClaude, true
	case FamilyBison:
		return FamilyBison, true
	case FamilyAWSClaude:
		return FamilyAWSClaude, true
	}
	return "", false
}

// Partition maps a declared model to its family. Total: unknown models fall
// back to turbo. Requests routed to the AWS service always land in
// aws-claude regardless of the model string, because Bedrock throttles per
// account rather than per model.
func Partition(service Service, model string) Family {
	if service == ServiceAWS {
		return FamilyAWSClaude
	}

	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4-32k"):
		return FamilyGPT432k
	case strings.HasPrefix(m, "gpt-4"):
		return FamilyGPT4
	case strings.HasPrefix(m, "gpt-3.5"):
		return FamilyTurbo
	case strings.HasPrefix(m, "claude"):
		return FamilyClaude
	case strings.HasPrefix(m, "text-bison"),
		strings.HasPrefix(m, "chat-bison"),
		strings.HasPrefix(m, "bison"):
		return FamilyBison
	}
	return FamilyTurbo
}

// RepresentativeModel returns a canonical model ID for a family. The
// dispatcher uses it to ask the key pool about lockout state for a whole
// partition.
func RepresentativeModel(f Family) string {
	switch f {
	case FamilyGPT4:
		return "gpt-4"
	case FamilyGPT432k:
		return "gpt-4-32k"
	case FamilyClaude:
		return "claude-2"
	case FamilyBison:
		return "text-bison-001"
	case FamilyAWSClaude:
		return "anthropic.claude-v2"
	default:
		return "gpt-3.5-turbo"
	}
}

// ServiceFor returns the upstream service that owns a family.
func ServiceFor(f Family) Service {
	switch f {
	case FamilyClaude:
		return ServiceAnthropic
	case FamilyBison:
		return ServiceGooglePaLM
	case FamilyAWSClaude:
		return ServiceAWS
	default:
		return ServiceOpenAI
	}
}
