package gates

import "strings"

// Parse splits a gate string into validation items. Items are separated by
// "|" or newlines; an untagged item defaults to an expression check.
func Parse(gateString string) []ValidationItem {
	var items []ValidationItem
	for _, line := range strings.Split(gateString, "\n") {
		for _, piece := range strings.Split(line, "|") {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			items = append(items, parseItem(piece))
		}
	}
	return items
}

func parseItem(raw string) ValidationItem {
	switch {
	case strings.HasPrefix(raw, "expr:"):
		return parseExpression(strings.TrimSpace(strings.TrimPrefix(raw, "expr:")), raw)

	case strings.HasPrefix(raw, "visual:"):
		body := strings.TrimSpace(strings.TrimPrefix(raw, "visual:"))
		action, arg := body, ""
		if i := strings.IndexAny(body, " \t"); i >= 0 {
			action = body[:i]
			arg = strings.TrimSpace(body[i+1:])
		}
		return ValidationItem{Type: TypeVisual, Action: action, Argument: arg, Raw: raw}

	case strings.HasPrefix(raw, "judge:"):
		return ValidationItem{
			Type:     TypeJudged,
			Criteria: strings.TrimSpace(strings.TrimPrefix(raw, "judge:")),
			Raw:      raw,
		}

	default:
		return parseExpression(raw, raw)
	}
}

func parseExpression(body, raw string) ValidationItem {
	item := ValidationItem{Type: TypeExpression, Raw: raw}
	if i := strings.Index(body, "=>"); i >= 0 {
		item.Expression = strings.TrimSpace(body[:i])
		item.Expected = strings.TrimSpace(body[i+2:])
	} else {
		item.Expression = strings.TrimSpace(body)
	}
	return item
}
