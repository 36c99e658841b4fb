package catalog

import (
	"strings"

	"pixchat/internal/models"
)

// Task names a generation intent; each has a keyword priority list.
type Task string

const (
	TaskImageGeneration Task = "IMAGE_GENERATION"
	TaskTextToImage     Task = "TEXT_TO_IMAGE"
	TaskMultimodal      Task = "MULTIMODAL"
	TaskText            Task = "TEXT"
)

var taskKeywords = map[Task][]string{
	TaskImageGeneration: {"sdxl", "stable-diffusion", "dall-e"},
	TaskTextToImage:     {"stable-diffusion", "sdxl"},
	TaskMultimodal:      {"llava", "bakllava"},
	TaskText:            {"llama2", "mistral", "codellama"},
}

// Capability is a model property checked by name.
type Capability string

const CapabilityImageGeneration Capability = "image-generation"

var capabilityKeywords = map[Capability][]string{
	CapabilityImageGeneration: union(taskKeywords[TaskImageGeneration], taskKeywords[TaskTextToImage]),
}

// Keywords returns the priority list for task.
func (t Task) Keywords() []string {
	return taskKeywords[t]
}

// SelectAuto picks the first name containing the highest-priority keyword of
// task. Without a match it falls back to the first name; an empty list yields none.
func SelectAuto(names []string, task Task) (string, bool) {
	if len(names) == 0 {
		return "", false
	}
	for _, kw := range taskKeywords[task] {
		for _, name := range names {
			if strings.Contains(strings.ToLower(name), strings.ToLower(kw)) {
				return name, true
			}
		}
	}
	return names[0], true
}

// Resolve honors a user override unconditionally, even for a model the
// catalog does not list; otherwise it auto-selects.
func Resolve(override *models.SelectedModel, names []string, task Task) (string, bool) {
	if override != nil && override.Name != "" {
		return override.Name, true
	}
	return SelectAuto(names, task)
}

// IsCapableOf reports whether name looks like a model with capability.
func IsCapableOf(name string, capability Capability) bool {
	return matchesAny(name, capabilityKeywords[capability])
}

func union(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
