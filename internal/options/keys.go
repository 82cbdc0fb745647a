// Package options parses free-text generation parameter overrides.
//
// Input is line oriented, one `key value` pair per line:
//
//	temperature 0.7
//	stop "<|im_end|>"
//	stop "</s>"
//
// Values are decoded as literals (int, float, bool, quoted string, list) and
// fall back to the raw text when decoding fails. A key given on several lines
// collapses into a list of every value in order of appearance.
package options

// KnownKeys is the closed set of parameters accepted by the backend.
var KnownKeys = map[string]Kind{
	"num_keep":          KindInt,
	"seed":              KindInt,
	"num_predict":       KindInt,
	"top_k":             KindInt,
	"top_p":             KindFloat,
	"min_p":             KindFloat,
	"tfs_z":             KindFloat,
	"typical_p":         KindFloat,
	"repeat_last_n":     KindInt,
	"temperature":       KindFloat,
	"repeat_penalty":    KindFloat,
	"presence_penalty":  KindFloat,
	"frequency_penalty": KindFloat,
	"mirostat":          KindInt,
	"mirostat_tau":      KindFloat,
	"mirostat_eta":      KindFloat,
	"penalize_newline":  KindBool,
	"stop":              KindString,
	"numa":              KindBool,
	"num_ctx":           KindInt,
	"num_batch":         KindInt,
	"num_gpu":           KindInt,
	"main_gpu":          KindInt,
	"low_vram":          KindBool,
	"f16_kv":            KindBool,
	"vocab_only":        KindBool,
	"use_mmap":          KindBool,
	"use_mlock":         KindBool,
	"num_thread":        KindInt,
}

// IsKnown reports whether key belongs to KnownKeys.
func IsKnown(key string) bool {
	_, ok := KnownKeys[key]
	return ok
}
