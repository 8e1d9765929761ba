package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dgnsrekt/kokorod/internal/tts"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var voicesCmd = &cobra.Command{
	Use:     "voices [LANGUAGE|NAME]",
	Short:   "List the voices and languages the worker accepts",
	Example: paragraph("kokorod voices\nkokorod voices en-GB\nkokorod voices emma"),
	Args:    cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := tts.LoadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		r, err := cfg.NewVoiceResolver()
		if err != nil {
			return err
		}

		names := r.Names()
		if len(args) == 1 {
			selection := strings.ToLower(strings.TrimSpace(args[0]))
			if v, err := r.Resolve(selection); err == nil && v.Name != selection {
				names = voicesOf(names, v.LangCode)
			} else {
				names = r.Suggest(args[0], 10)
			}
		}
		if len(names) == 0 {
			return fmt.Errorf("no voices match %q", args[0])
		}

		byLang := make(map[string][]string)
		for _, n := range names {
			byLang[n[:1]] = append(byLang[n[:1]], n)
		}
		codes := make([]string, 0, len(byLang))
		for code := range byLang {
			codes = append(codes, code)
		}
		sort.Strings(codes)

		def := r.Default()
		for _, code := range codes {
			lang, ok := tts.Languages[code]
			title := code
			if ok {
				title = fmt.Sprintf("%s (%s, %s)", lang.Name, code, lang.Tag)
			}
			fmt.Println(keyword(title))
			for _, n := range byLang[code] {
				if n == def.Name {
					n += faintStyle.Render(" default")
				}
				fmt.Println("  " + n)
			}
		}
		return nil
	},
}

func voicesOf(names []string, code string) []string {
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, code) {
			out = append(out, n)
		}
	}
	return out
}
