package tts

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
	"golang.org/x/text/language"
)

// Language describes a Kokoro pipeline language.
type Language struct {
	// Code is the single-letter Kokoro lang_code
	Code string

	// Tag is the BCP 47 tag the code stands for
	Tag language.Tag

	// Name is the English display name
	Name string

	// DefaultVoice is used when a request names only the language
	DefaultVoice string
}

// Languages supported by the Kokoro pipeline, keyed by lang_code.
var Languages = map[string]Language{
	"a": {Code: "a", Tag: language.AmericanEnglish, Name: "American English", DefaultVoice: "af_heart"},
	"b": {Code: "b", Tag: language.BritishEnglish, Name: "British English", DefaultVoice: "bf_emma"},
	"e": {Code: "e", Tag: language.Spanish, Name: "Spanish", DefaultVoice: "ef_dora"},
	"f": {Code: "f", Tag: language.French, Name: "French", DefaultVoice: "ff_siwis"},
	"h": {Code: "h", Tag: language.Hindi, Name: "Hindi", DefaultVoice: "hf_alpha"},
	"i": {Code: "i", Tag: language.Italian, Name: "Italian", DefaultVoice: "if_sara"},
	"j": {Code: "j", Tag: language.Japanese, Name: "Japanese", DefaultVoice: "jf_alpha"},
	"p": {Code: "p", Tag: language.BrazilianPortuguese, Name: "Brazilian Portuguese", DefaultVoice: "pf_dora"},
	"z": {Code: "z", Tag: language.Chinese, Name: "Mandarin Chinese", DefaultVoice: "zf_xiaobei"},
}

// Voices is the stock Kokoro voice catalog. The first letter of a voice id
// is its lang_code, the second its gender.
var Voices = []string{
	"af_alloy", "af_aoede", "af_bella", "af_heart", "af_jessica", "af_kore",
	"af_nicole", "af_nova", "af_river", "af_sarah", "af_sky",
	"am_adam", "am_echo", "am_eric", "am_fenrir", "am_liam", "am_michael",
	"am_onyx", "am_puck", "am_santa",
	"bf_alice", "bf_emma", "bf_isabella", "bf_lily",
	"bm_daniel", "bm_fable", "bm_george", "bm_lewis",
	"ef_dora", "em_alex", "em_santa",
	"ff_siwis",
	"hf_alpha", "hf_beta", "hm_omega", "hm_psi",
	"if_sara", "im_nicola",
	"jf_alpha", "jf_gongitsune", "jf_nezumi", "jf_tebukuro", "jm_kumo",
	"pf_dora", "pm_alex", "pm_santa",
	"zf_xiaobei", "zf_xiaoni", "zf_xiaoxiao", "zf_xiaoyi",
	"zm_yunjian", "zm_yunxi", "zm_yunxia", "zm_yunyang",
}

// Voice is a resolved voice selection as sent to the worker.
type Voice struct {
	LangCode string
	Name     string
}

// VoiceResolver maps the voice-or-language field of a request onto a
// Kokoro lang_code and voice id.
type VoiceResolver struct {
	voices   map[string]struct{}
	names    []string
	codes    []string
	matcher  language.Matcher
	fallback Voice
}

// NewVoiceResolver builds a resolver over the stock catalog plus extra
// voice ids (custom voice packs). defaultVoice is used for empty selections.
func NewVoiceResolver(defaultVoice string, extra ...string) (*VoiceResolver, error) {
	r := &VoiceResolver{voices: make(map[string]struct{}, len(Voices)+len(extra))}
	for _, v := range append(append([]string{}, Voices...), extra...) {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, dup := r.voices[v]; !dup {
			r.voices[v] = struct{}{}
			r.names = append(r.names, v)
		}
	}
	sort.Strings(r.names)

	tags := make([]language.Tag, 0, len(Languages))
	for code := range Languages {
		r.codes = append(r.codes, code)
	}
	sort.Strings(r.codes)
	for _, code := range r.codes {
		tags = append(tags, Languages[code].Tag)
	}
	r.matcher = language.NewMatcher(tags)

	r.fallback = Voice{LangCode: "a", Name: "af_heart"}
	if defaultVoice != "" {
		v, err := r.Resolve(defaultVoice)
		if err != nil {
			return nil, err
		}
		r.fallback = v
	}
	return r, nil
}

// Default returns the voice used for empty selections.
func (r *VoiceResolver) Default() Voice {
	return r.fallback
}

// Resolve accepts a voice id (af_heart), a Kokoro lang_code (b) or a BCP 47
// language tag (en-GB, pt-BR, zh). Empty input selects the default voice.
func (r *VoiceResolver) Resolve(selection string) (Voice, error) {
	s := strings.TrimSpace(selection)
	if s == "" {
		return r.fallback, nil
	}
	lower := strings.ToLower(s)

	if _, ok := r.voices[lower]; ok {
		code := lower[:1]
		if _, known := Languages[code]; !known {
			return Voice{}, validationError("voice %q has no supported language", s)
		}
		return Voice{LangCode: code, Name: lower}, nil
	}

	if lang, ok := Languages[lower]; ok {
		return Voice{LangCode: lang.Code, Name: lang.DefaultVoice}, nil
	}

	if looksLikeVoiceID(lower) {
		return Voice{}, r.unknownVoice(s)
	}

	tag, err := language.Parse(s)
	if err != nil {
		return Voice{}, r.unknownVoice(s)
	}
	// Low confidence is the matcher's fallback to its first tag, not a
	// real match.
	_, index, confidence := r.matcher.Match(tag)
	if confidence < language.High {
		return Voice{}, validationError("unsupported language %q (supported: %s)", s, strings.Join(r.supportedTags(), ", "))
	}
	lang := Languages[r.codes[index]]
	return Voice{LangCode: lang.Code, Name: lang.DefaultVoice}, nil
}

// Suggest returns up to n catalog voices resembling name.
func (r *VoiceResolver) Suggest(name string, n int) []string {
	matches := fuzzy.Find(strings.ToLower(name), r.names)
	out := make([]string, 0, n)
	for _, m := range matches {
		if len(out) == n {
			break
		}
		out = append(out, m.Str)
	}
	return out
}

// Names returns the known voice ids in sorted order.
func (r *VoiceResolver) Names() []string {
	return append([]string(nil), r.names...)
}

func (r *VoiceResolver) unknownVoice(s string) *Error {
	if suggestions := r.Suggest(s, 3); len(suggestions) > 0 {
		return validationError("unknown voice %q, did you mean %s?", s, strings.Join(suggestions, ", "))
	}
	return validationError("unknown voice or language %q", s)
}

func (r *VoiceResolver) supportedTags() []string {
	tags := make([]string, 0, len(r.codes))
	for _, code := range r.codes {
		tags = append(tags, Languages[code].Tag.String())
	}
	return tags
}

// looksLikeVoiceID matches the xy_name shape of Kokoro voice ids.
func looksLikeVoiceID(s string) bool {
	if len(s) < 4 || s[2] != '_' {
		return false
	}
	return s[1] == 'f' || s[1] == 'm'
}
