package catalog

import (
	"fmt"
	"strings"
	"unicode"

	"pixchat/internal/models"
)

// OtherCategory collects models that match no row of Categories.
const OtherCategory = "other"

// Categories is the static table; order is display priority.
var Categories = []models.ModelCategory{
	{
		ID:          "text-generation",
		Name:        "Text Generation",
		Description: "General text and conversation",
		Icon:        "MessageSquare",
		Keywords:    []string{"llama", "mistral", "deepseek", "qwen", "gemma", "phi"},
	},
	{
		ID:          "code-generation",
		Name:        "Code Generation",
		Description: "Programming and coding assistance",
		Icon:        "Code",
		Keywords:    []string{"code", "coder", "programming", "developer"},
	},
	{
		ID:          "image-generation",
		Name:        "Image Generation",
		Description: "Create images from text prompts",
		Icon:        "Image",
		Keywords:    []string{"sdxl", "stable-diffusion", "dall-e", "image", "diffusion"},
	},
	{
		ID:          "multimodal",
		Name:        "Multimodal",
		Description: "Text and image understanding",
		Icon:        "Brain",
		Keywords:    []string{"llava", "bakllava", "multimodal", "vision"},
	},
	{
		ID:          "creative",
		Name:        "Creative Writing",
		Description: "Creative content and storytelling",
		Icon:        "Sparkles",
		Keywords:    []string{"creative", "story", "writing", "artistic"},
	},
}

// Category looks up a row of Categories by id.
func Category(id string) (models.ModelCategory, bool) {
	for _, c := range Categories {
		if c.ID == id {
			return c, true
		}
	}
	return models.ModelCategory{}, false
}

// Categorize groups models by keyword. A model lands in every category it
// matches; models matching none go to OtherCategory. Empty groups are omitted.
func Categorize(list []models.OllamaModel) map[string][]models.OllamaModel {
	out := make(map[string][]models.OllamaModel)
	matched := make([]bool, len(list))
	for _, cat := range Categories {
		for i, m := range list {
			if matchesAny(m.Name, cat.Keywords) {
				out[cat.ID] = append(out[cat.ID], m)
				matched[i] = true
			}
		}
	}
	for i, m := range list {
		if !matched[i] {
			out[OtherCategory] = append(out[OtherCategory], m)
		}
	}
	return out
}

// PrimaryCategory returns the first category name matches, or OtherCategory.
func PrimaryCategory(name string) string {
	for _, cat := range Categories {
		if matchesAny(name, cat.Keywords) {
			return cat.ID
		}
	}
	return OtherCategory
}

// Selection builds the override recorded when the user picks name.
func Selection(name, categoryID string) models.SelectedModel {
	if categoryID == "" {
		categoryID = PrimaryCategory(name)
	}
	purpose := "Other"
	if cat, ok := Category(categoryID); ok {
		purpose = cat.Name
	}
	return models.SelectedModel{Name: name, Category: categoryID, Purpose: purpose}
}

// DisplayName strips the ":latest" tag and spaces out camel case.
func DisplayName(name string) string {
	clean := strings.Replace(name, ":latest", "", 1)
	var b strings.Builder
	for _, r := range clean {
		if unicode.IsUpper(r) {
			b.WriteRune(' ')
		}
		b.WriteRune(r)
	}
	clean = strings.TrimSpace(b.String())
	if clean == "" {
		return name
	}
	runes := []rune(clean)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// FormatSize renders a byte count the way the model picker shows it.
func FormatSize(size int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case size >= gb:
		return fmt.Sprintf("%.1f GB", float64(size)/gb)
	case size >= mb:
		return fmt.Sprintf("%.1f MB", float64(size)/mb)
	default:
		return fmt.Sprintf("%.1f KB", float64(size)/kb)
	}
}

func matchesAny(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
