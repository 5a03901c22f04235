package command

func prepareActivity(req Request) (map[string]any, error) {
	activity, ok := req.Args["activity"].(map[string]any)
	if !ok {
		return req.Args, nil
	}
	req.Args["activity"] = EnrichActivity(req.ClientID, activity)
	return req.Args, nil
}

// ackActivity echoes the enriched activity, or null when it was cleared.
func ackActivity(args map[string]any) any {
	return args["activity"]
}

func clearActivity(retained map[string]any) map[string]any {
	return map[string]any{"pid": retained["pid"], "activity": nil}
}

// EnrichActivity converts an activity as sent by a game into the form a
// web session expects. It sets application_id to the client id, derives
// flags from instance, defaults type to 0 (playing) and splits buttons into
// labels plus metadata.button_urls. activity is modified in place.
func EnrichActivity(clientID string, activity map[string]any) map[string]any {
	activity["application_id"] = clientID

	flags := 0
	if instance, _ := activity["instance"].(bool); instance {
		flags = 1
	}
	activity["flags"] = flags

	if _, ok := activity["type"]; !ok {
		activity["type"] = 0
	}

	if buttons, ok := activity["buttons"].([]any); ok {
		labels := make([]any, 0, len(buttons))
		urls := make([]any, 0, len(buttons))
		for _, b := range buttons {
			button, ok := b.(map[string]any)
			if !ok {
				continue
			}
			labels = append(labels, button["label"])
			urls = append(urls, button["url"])
		}
		metadata, _ := activity["metadata"].(map[string]any)
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["button_urls"] = urls
		activity["metadata"] = metadata
		activity["buttons"] = labels
	}
	return activity
}
