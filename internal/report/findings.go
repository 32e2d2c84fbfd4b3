package report

import (
	"fmt"
	"strings"

	"github.com/phoenixguard/sentinel/internal/analyzer"
	"github.com/phoenixguard/sentinel/pkg/types"
)

type findingInfo struct {
	severity    Severity
	category    string
	title       string
	description string
	// indicator is the sticky analyzer flag that proves the pattern even after
	// the audit ring has wrapped.
	indicator string
}

var detectorFindings = map[string]findingInfo{
	"boot-block-modification": {SeverityCritical, "boot-block", "Boot block modification", "writes or erases targeted the reset-vector boot block", "boot-block-modified"},
	"secure-boot-disabling":   {SeverityCritical, "secure-boot", "Secure boot disabling", "secure boot configuration was cleared or overwritten", "secure-boot-disabled"},
	"tpm-tampering":           {SeverityCritical, "tpm", "TPM tampering", "repeated access to TPM registers", "tpm-tampered"},
	"microcode-infection":     {SeverityCritical, "microcode", "Microcode infection", "a microcode update or write into the microcode region was attempted", "microcode-updated"},
	"mass-flash-erase":        {SeverityWarning, "erase", "Mass flash erase", "large or repeated flash erases", "critical-region-erased"},
	"rapid-fire-writes":       {SeverityWarning, "write-pattern", "Rapid-fire writes", "flash writes arrived faster than a firmware updater would issue them", ""},
	"persistence-attempt":     {SeverityWarning, "write-pattern", "Persistence attempt", "scattered writes consistent with implant placement", ""},
	"anti-analysis":           {SeverityWarning, "anti-analysis", "Anti-analysis probing", "writes aimed at the sentinel's own range", ""},
	"address-heuristic":       {SeverityWarning, "heuristic", "High address targeting", "writes to high firmware addresses", ""},
	"timing-heuristic":        {SeverityWarning, "heuristic", "Write burst", "many writes inside a short window", ""},
	"sequence-heuristic":      {SeverityCritical, "heuristic", "Kill chain completed", "erase, write and secure boot disabling happened in order", ""},
}

// findingOrder keeps report output stable.
var findingOrder = []string{
	"boot-block-modification", "secure-boot-disabling", "tpm-tampering", "microcode-infection",
	"sequence-heuristic", "mass-flash-erase", "rapid-fire-writes", "persistence-attempt",
	"anti-analysis", "address-heuristic", "timing-heuristic",
}

// detectFindings combines detector hits from the audit log with the analyzer's
// sticky indicators.
func detectFindings(st analyzer.State, records []types.AuditRecord) []Finding {
	hits := make(map[string][]uint64)
	var blocked, redirected, failed []uint64

	for _, rec := range records {
		for _, name := range recordFindings(rec.Description) {
			hits[name] = append(hits[name], rec.Seq)
		}
		switch {
		case strings.Contains(rec.Description, "[REDIRECT-FAILED]"):
			failed = append(failed, rec.Seq)
		case rec.Redirected:
			redirected = append(redirected, rec.Seq)
		case !rec.Allowed:
			blocked = append(blocked, rec.Seq)
		}
	}

	indicators := make(map[string]bool)
	for _, ind := range st.Indicators() {
		indicators[ind] = true
	}

	findings := []Finding{}
	for _, name := range findingOrder {
		info := detectorFindings[name]
		seqs := hits[name]
		if len(seqs) == 0 && (info.indicator == "" || !indicators[info.indicator]) {
			continue
		}
		desc := info.description
		if len(seqs) == 0 {
			desc += " (matching records have left the audit log)"
		}
		findings = append(findings, Finding{
			Severity:    info.severity,
			Category:    info.category,
			Title:       info.title,
			Description: desc,
			Count:       len(seqs),
			Records:     seqs,
		})
	}

	if len(blocked) > 0 {
		findings = append(findings, Finding{
			Severity:    SeverityWarning,
			Category:    "blocked",
			Title:       "Blocked operations",
			Description: fmt.Sprintf("%d operations were denied", len(blocked)),
			Count:       len(blocked),
			Records:     blocked,
		})
	}
	if len(failed) > 0 {
		findings = append(findings, Finding{
			Severity:    SeverityWarning,
			Category:    "redirect",
			Title:       "Redirect failures",
			Description: "operations meant for the decoy were blocked because the redirect failed",
			Count:       len(failed),
			Records:     failed,
		})
	}
	if len(redirected) > 0 {
		findings = append(findings, Finding{
			Severity:    SeverityInfo,
			Category:    "redirect",
			Title:       "Decoy redirects",
			Description: "operations were served from the decoy image",
			Count:       len(redirected),
			Records:     redirected,
		})
	}
	return findings
}

// recordFindings extracts detector names from an audit description of the form
// "... score=N name1,name2".
func recordFindings(desc string) []string {
	i := strings.Index(desc, " score=")
	if i < 0 {
		return nil
	}
	rest := desc[i+len(" score="):]
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return nil
	}
	var out []string
	for _, name := range strings.Split(rest[sp+1:], ",") {
		name = strings.TrimSpace(name)
		if _, ok := detectorFindings[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
