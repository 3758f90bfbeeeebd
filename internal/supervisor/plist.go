package supervisor

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const throttleIntervalSeconds = 10

// renderPlist builds the plist body by hand: the real schema interleaves
// <key> and typed value elements, which encoding/xml's struct tags
// cannot express directly for a dict.
func renderPlist(spec UnitSpec) string {
	var argv string
	for _, a := range spec.Argv {
		argv += fmt.Sprintf("\t\t<string>%s</string>\n", xmlEscape(a))
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
%s	</array>
	<key>WorkingDirectory</key>
	<string>%s</string>
	<key>StandardOutPath</key>
	<string>%s</string>
	<key>StandardErrorPath</key>
	<string>%s</string>
	<key>KeepAlive</key>
	<dict>
		<key>Crashed</key>
		<true/>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>ThrottleInterval</key>
	<integer>%d</integer>
</dict>
</plist>
`, xmlEscape(spec.Label), argv, xmlEscape(spec.WorkingDir), xmlEscape(spec.StdoutPath), xmlEscape(spec.StderrPath), throttleIntervalSeconds)
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}

func writeUnitFile(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	return nil
}

func deleteUnitFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete unit file: %w", err)
	}
	return nil
}
