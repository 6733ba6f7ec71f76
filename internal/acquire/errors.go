package acquire

import (
	"fmt"
	"strings"
)

// ManualDownloadURL is where users can fetch the kernel themselves.
const ManualDownloadURL = "https://github.com/SagerNet/sing-box/releases/latest"

// Error is returned by Download. Stage is the step that failed.
type Error struct {
	Stage     Stage
	Asset     string
	TargetDir string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kernel acquisition failed while %s", e.Stage)
	if e.Asset != "" {
		fmt.Fprintf(&b, " (asset %s)", e.Asset)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Instructions tells the user how to install the kernel by hand.
func (e *Error) Instructions() string {
	asset := e.Asset
	if asset == "" {
		asset = "the sing-box archive for your platform"
	}
	return fmt.Sprintf("1. open %s\n2. download %s\n3. extract it and place the sing-box executable in %s",
		ManualDownloadURL, asset, e.TargetDir)
}
