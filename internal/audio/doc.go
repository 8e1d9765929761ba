// Package audio inspects the WAV payloads produced by the worker and plays
// them through oto/v3.
package audio
