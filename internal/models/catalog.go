package models

// Info is one entry of the OpenAI-compatible model list.
type Info struct {
	ID         string  `json:"id"`
	Object     string  `json:"object"`
	Created    int64   `json:"created"`
	OwnedBy    string  `json:"owned_by"`
	Permission []any   `json:"permission"`
	Root       string  `json:"root"`
	Parent     *string `json:"parent"`
}

// List is the OpenAI-compatible model list envelope.
type List struct {
	Object string `json:"object"`
	Data   []Info `json:"data"`
}

// catalogEpoch is a fixed created timestamp for synthetic list entries.
const catalogEpoch int64 = 1677610602

var catalog = map[Service][]string{
	ServiceOpenAI: {
		"gpt-3.5-turbo",
		"gpt-3.5-turbo-0613",
		"gpt-3.5-turbo-16k",
		"gpt-4",
		"gpt-4-0613",
		"gpt-4-32k",
	},
	ServiceAnthropic: {
		"claude-instant-1",
		"claude-2",
	},
	ServiceGooglePaLM: {
		"text-bison-001",
	},
	ServiceAWS: {
		"anthropic.claude-instant-v1",
		"anthropic.claude-v2",
	},
}

// Catalog returns the model list for a service, filtered to the allowed
// families. An empty allowed set means every family is permitted.
func Catalog(service Service, allowed map[Family]bool) List {
	list := List{Object: "list", Data: []Info{}}
	for _, id := range catalog[service] {
		fam := Partition(service, id)
		if len(allowed) > 0 && !allowed[fam] {
			continue
		}
		list.Data = append(list.Data, Info{
			ID:         id,
			Object:     "model",
			Created:    catalogEpoch,
			OwnedBy:    string(service),
			Permission: []any{},
			Root:       id,
		})
	}
	return list
}
