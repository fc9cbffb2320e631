package service

import (
	"fmt"
	"strings"
)

const maxPrerequisites = 8

// prerequisiteNames accepts {"prerequisites": [{"name": ...}]} as well as plain string entries,
// trims, drops blanks and case-insensitive duplicates, and keeps the model's order.
func prerequisiteNames(obj map[string]interface{}) []string {
	list, _ := obj["prerequisites"].([]interface{})
	if list == nil {
		list, _ = obj["items"].([]interface{})
	}
	seen := make(map[string]struct{})
	names := make([]string, 0, len(list))
	for _, entry := range list {
		var name string
		switch v := entry.(type) {
		case string:
			name = v
		case map[string]interface{}:
			name = stringField(v, "name")
			if name == "" {
				name = stringField(v, "title")
			}
		}
		name = strings.TrimSpace(name)
		key := strings.ToLower(name)
		if name == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, name)
		if len(names) == maxPrerequisites {
			break
		}
	}
	return names
}

// NormalizeQuestionIDs makes every question_id in obj["questions"] non-empty and unique.
// A missing or repeated id on the n-th question becomes q-<n>, or q-<n>-<k> when that is taken too.
func NormalizeQuestionIDs(obj map[string]interface{}) {
	questions, _ := obj["questions"].([]interface{})
	seen := make(map[string]struct{}, len(questions))
	for i, entry := range questions {
		question, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		id := strings.TrimSpace(stringField(question, "question_id"))
		if _, dup := seen[id]; id == "" || dup {
			base := fmt.Sprintf("q-%d", i+1)
			id = base
			for k := 2; ; k++ {
				if _, taken := seen[id]; !taken {
					break
				}
				id = fmt.Sprintf("%s-%d", base, k)
			}
		}
		seen[id] = struct{}{}
		question["question_id"] = id
	}
}

// RenderRecap turns the recap JSON into markdown. It returns "" when nothing usable is present.
func RenderRecap(obj map[string]interface{}, fallbackTitle string) string {
	var body strings.Builder
	if summary := stringField(obj, "summary"); summary != "" {
		body.WriteString(summary)
		body.WriteString("\n")
	}
	writeList(&body, "Key points", stringList(obj["key_points"]))
	if sections, ok := obj["sections"].([]interface{}); ok {
		for _, entry := range sections {
			section, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			writeList(&body, stringField(section, "title"), stringList(section["points"]))
		}
	}
	writeList(&body, "Takeaways", stringList(obj["takeaways"]))
	if body.Len() == 0 {
		return ""
	}

	title := stringField(obj, "title")
	if title == "" {
		title = strings.TrimSpace(fallbackTitle)
	}
	var out strings.Builder
	if title != "" {
		fmt.Fprintf(&out, "# %s\n\n", title)
	}
	out.WriteString(strings.TrimSpace(body.String()))
	out.WriteString("\n")
	return out.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	if heading != "" {
		fmt.Fprintf(b, "## %s\n\n", heading)
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func stringField(obj map[string]interface{}, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

func stringList(value interface{}) []string {
	list, _ := value.([]interface{})
	out := make([]string, 0, len(list))
	for _, entry := range list {
		if s, ok := entry.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
