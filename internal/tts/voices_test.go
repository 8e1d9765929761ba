package tts

import (
	"errors"
	"strings"
	"testing"
)

func TestVoiceResolver_Resolve(t *testing.T) {
	r, err := NewVoiceResolver("")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		selection string
		want      Voice
	}{
		{"", Voice{LangCode: "a", Name: "af_heart"}},
		{"af_bella", Voice{LangCode: "a", Name: "af_bella"}},
		{" BM_George ", Voice{LangCode: "b", Name: "bm_george"}},
		{"b", Voice{LangCode: "b", Name: "bf_emma"}},
		{"j", Voice{LangCode: "j", Name: "jf_alpha"}},
		{"en-GB", Voice{LangCode: "b", Name: "bf_emma"}},
		{"en-US", Voice{LangCode: "a", Name: "af_heart"}},
		{"en", Voice{LangCode: "a", Name: "af_heart"}},
		{"pt-BR", Voice{LangCode: "p", Name: "pf_dora"}},
		{"ja", Voice{LangCode: "j", Name: "jf_alpha"}},
		{"zh", Voice{LangCode: "z", Name: "zf_xiaobei"}},
	}

	for _, tt := range tests {
		t.Run(tt.selection, func(t *testing.T) {
			got, err := r.Resolve(tt.selection)
			if err != nil {
				t.Fatalf("Resolve(%q) failed: %v", tt.selection, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %+v, want %+v", tt.selection, got, tt.want)
			}
		})
	}
}

func TestVoiceResolver_UnknownVoiceSuggests(t *testing.T) {
	r, _ := NewVoiceResolver("")

	_, err := r.Resolve("af_hart")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "did you mean") || !strings.Contains(err.Error(), "af_heart") {
		t.Errorf("Expected suggestion of af_heart, got %q", err)
	}
}

func TestVoiceResolver_UnsupportedLanguage(t *testing.T) {
	r, _ := NewVoiceResolver("")

	for _, tag := range []string{"de", "sw", "ru", "ko", "ar", "nl", "pl"} {
		v, err := r.Resolve(tag)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Resolve(%q) = %+v, expected validation error, got %v", tag, v, err)
			continue
		}
		if !strings.Contains(err.Error(), "unsupported language") {
			t.Errorf("Resolve(%q): unexpected message %q", tag, err)
		}
	}
}

func TestVoiceResolver_ExtraVoices(t *testing.T) {
	r, err := NewVoiceResolver("af_custom", "af_custom", " AF_Custom ", "xx_orphan")
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Default(); got.Name != "af_custom" || got.LangCode != "a" {
		t.Errorf("Expected custom default voice, got %+v", got)
	}

	count := 0
	for _, name := range r.Names() {
		if name == "af_custom" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected af_custom listed once, got %d", count)
	}

	if _, err := r.Resolve("xx_orphan"); !errors.Is(err, ErrValidation) {
		t.Errorf("Voice without a known language should be rejected, got %v", err)
	}
}

func TestNewVoiceResolver_BadDefault(t *testing.T) {
	if _, err := NewVoiceResolver("af_nobody"); err == nil {
		t.Error("Expected error for unknown default voice")
	}
}

func TestVoiceResolver_Names(t *testing.T) {
	r, _ := NewVoiceResolver("")
	names := r.Names()
	if len(names) != len(Voices) {
		t.Fatalf("Expected %d voices, got %d", len(Voices), len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("Names not sorted at %d: %q > %q", i, names[i-1], names[i])
		}
	}

	names[0] = "mutated"
	if r.Names()[0] == "mutated" {
		t.Error("Names() exposes internal slice")
	}
}

func TestVoiceResolver_Suggest(t *testing.T) {
	r, _ := NewVoiceResolver("")
	got := r.Suggest("emma", 2)
	if len(got) == 0 || got[0] != "bf_emma" {
		t.Errorf("Suggest(emma) = %v", got)
	}
	if len(r.Suggest("a", 2)) > 2 {
		t.Error("Suggest returned more than requested")
	}
}

func TestLanguages_DefaultVoicesInCatalog(t *testing.T) {
	known := make(map[string]bool, len(Voices))
	for _, v := range Voices {
		known[v] = true
	}
	for code, lang := range Languages {
		if !known[lang.DefaultVoice] {
			t.Errorf("Language %s default voice %s missing from catalog", code, lang.DefaultVoice)
		}
		if lang.DefaultVoice[:1] != code {
			t.Errorf("Language %s default voice %s belongs to another language", code, lang.DefaultVoice)
		}
	}
}
