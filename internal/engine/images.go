package engine

import "fmt"

// extractImages walks a decoded JSON value and pulls out MCP image content
// blocks (`{"type":"image","data":...,"mimeType":...}`), replacing their
// data with a placeholder so the surrounding text can be safely truncated
// without corrupting base64 payloads. Not present in the distilled
// specification; supplemented from
// _examples/original_source/src/lib.rs::extract_images, which no Non-goal
// excludes.
func extractImages(value *any) []ImageBlock {
	var images []ImageBlock
	extractImagesRecursive(value, &images)
	return images
}

func extractImagesRecursive(value *any, images *[]ImageBlock) {
	switch v := (*value).(type) {
	case map[string]any:
		if t, _ := v["type"].(string); t == "image" {
			data, hasData := v["data"].(string)
			mime, hasMime := v["mimeType"].(string)
			if hasData && hasMime {
				idx := len(*images)
				*images = append(*images, ImageBlock{Data: data, MimeType: mime})
				v["data"] = fmt.Sprintf("[image #%d extracted]", idx)
			}
		}
		for k, child := range v {
			extractImagesRecursive(&child, images)
			v[k] = child
		}
	case []any:
		for i, child := range v {
			extractImagesRecursive(&child, images)
			v[i] = child
		}
	}
}
