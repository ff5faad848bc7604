// ABOUTME: Conversion profiles for kepubify, kindlegen and pdfcropmargins
// ABOUTME: Each profile carries its argument contract, target devices and display-name rewrite

package convert

import (
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/2389/bookdrop/internal/device"
)

// Profile names double as the opt-in form fields of an upload.
const (
	Kepubify       = "kepubify"
	Kindlegen      = "kindlegen"
	PDFCropMargins = "pdfcropmargins"
)

const (
	mimeEPUB = "application/epub+zip"
	mimeMOBI = "application/x-mobipocket-ebook"
	mimePDF  = "application/pdf"
)

// Tools holds the executable for each profile. Bare names are resolved
// through PATH.
type Tools struct {
	Kepubify       string
	Kindlegen      string
	PDFCropMargins string
}

// Profile maps an input type and target device class to an external tool.
type Profile struct {
	Name       string
	Tool       string
	Targets    []device.Class // empty means every device class
	InputType  string
	OutputType string
	OutputExt  string

	args       func(input, output string) []string
	rename     func(name string) string
	acceptExit []int // nonzero exit codes treated as success when output exists
}

// Profiles returns the supported profiles in selection order.
func Profiles(t Tools) []*Profile {
	return []*Profile{
		{
			Name:       Kepubify,
			Tool:       t.Kepubify,
			Targets:    []device.Class{device.Kobo},
			InputType:  mimeEPUB,
			OutputType: mimeEPUB,
			OutputExt:  ".kepub.epub",
			args: func(input, output string) []string {
				return []string{"-v", "-u", "-o", output, input}
			},
			rename: kepubName,
		},
		{
			Name:       Kindlegen,
			Tool:       t.Kindlegen,
			Targets:    []device.Class{device.Kindle},
			InputType:  mimeEPUB,
			OutputType: mimeMOBI,
			OutputExt:  ".mobi",
			// kindlegen only accepts a file name for -o and writes it next to the input.
			args: func(input, output string) []string {
				return []string{input, "-dont_append_source", "-c1", "-o", filepath.Base(output)}
			},
			rename:     func(name string) string { return replaceExt(name, ".mobi") },
			acceptExit: []int{1},
		},
		{
			Name:       PDFCropMargins,
			Tool:       t.PDFCropMargins,
			InputType:  mimePDF,
			OutputType: mimePDF,
			OutputExt:  ".cropped.pdf",
			args: func(input, output string) []string {
				return []string{"-s", "-u", "-o", output, input}
			},
			rename: func(name string) string { return name },
		},
	}
}

// Args returns the command line for converting input into output.
func (p *Profile) Args(input, output string) []string {
	return p.args(input, output)
}

// DisplayName rewrites an uploaded display name to match the converted file.
func (p *Profile) DisplayName(name string) string {
	return p.rename(name)
}

// OutputPath derives the output location from the input path. The output
// always lives in the input's directory.
func (p *Profile) OutputPath(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + p.OutputExt
}

// TargetsDevice reports whether the profile applies to a device class.
func (p *Profile) TargetsDevice(class device.Class) bool {
	return len(p.Targets) == 0 || slices.Contains(p.Targets, class)
}

// Available reports whether the tool resolves to an executable.
func (p *Profile) Available() bool {
	_, err := exec.LookPath(p.Tool)
	return err == nil
}

// Select returns the profile to apply to an upload, or nil to store the file
// unmodified. A profile applies when the device is one of its targets, the
// uploader opted in to it and the detected type is its input type.
func Select(profiles []*Profile, class device.Class, optedIn func(name string) bool, detectedType string) *Profile {
	for _, p := range profiles {
		if !p.TargetsDevice(class) || !optedIn(p.Name) || p.InputType != detectedType {
			continue
		}
		return p
	}
	return nil
}

// Availability reports, per profile name, whether its tool can be run.
func Availability(profiles []*Profile) map[string]bool {
	out := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		out[p.Name] = p.Available()
	}
	return out
}

func kepubName(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".kepub.epub"):
		return name
	case strings.HasSuffix(lower, ".epub"):
		return name[:len(name)-len(".epub")] + ".kepub.epub"
	default:
		return replaceExt(name, ".kepub.epub")
	}
}

func replaceExt(name, ext string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ext
}
