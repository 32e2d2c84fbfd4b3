package report

import (
	"fmt"
	"strings"
)

// FormatMarkdown renders a report as markdown.
func FormatMarkdown(r *Report) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Sentinel Report: %s", r.Verdict))
	if r.Level == LevelDetailed {
		sb.WriteString(" (Detailed)")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("**Generated:** %s\n\n", r.GeneratedAt.Format("2006-01-02 15:04:05 UTC")))

	// Overview
	sb.WriteString("## Overview\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Mode | %s |\n", r.Mode))
	sb.WriteString(fmt.Sprintf("| Active | %s |\n", yesNo(r.Active)))
	sb.WriteString(fmt.Sprintf("| Suspicion score | %s |\n", formatNumber(int(r.Score))))
	sb.WriteString(fmt.Sprintf("| Kill chain | %s |\n", r.KillChainStage))
	sb.WriteString(fmt.Sprintf("| Intercepts | %s |\n", formatNumber(int(r.Statistics.Intercepts))))
	sb.WriteString(fmt.Sprintf("| Blocked | %s |\n", formatNumber(int(r.Statistics.Blocked))))
	sb.WriteString(fmt.Sprintf("| Redirected | %s |\n", formatNumber(int(r.Statistics.Redirected))))
	sb.WriteString(fmt.Sprintf("| Audit log | %d / %d |\n", r.Statistics.LogCount, r.Statistics.LogCapacity))
	if r.Decoy.Active {
		sb.WriteString(fmt.Sprintf("| Decoy | %s, dirty: %s |\n", formatSize(r.Decoy.Size), yesNo(r.Decoy.Dirty)))
	}
	sb.WriteString("\n")

	if len(r.Indicators) > 0 {
		sb.WriteString("## Indicators\n")
		for _, ind := range r.Indicators {
			sb.WriteString(fmt.Sprintf("- %s\n", ind))
		}
		sb.WriteString("\n")
	}

	if len(r.Findings) > 0 {
		sb.WriteString("## Findings\n")
		for _, f := range r.Findings {
			sb.WriteString(fmt.Sprintf("%s **%s** (%d) - %s\n", severityIcon(f.Severity), f.Title, f.Count, f.Description))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Operation Counters\n")
	sb.WriteString("| Counter | Count |\n")
	sb.WriteString("|---------|-------|\n")
	for _, row := range []struct {
		name string
		n    uint32
	}{
		{"Flash writes", r.Counters.FlashWrites},
		{"Flash erases", r.Counters.FlashErases},
		{"TPM accesses", r.Counters.TPMAccesses},
		{"Microcode updates", r.Counters.MicrocodeUpdates},
		{"Secure boot modifications", r.Counters.SecureBootMods},
		{"Rapid writes", r.Counters.RapidWrites},
	} {
		if row.n > 0 {
			sb.WriteString(fmt.Sprintf("| %s | %s |\n", row.name, formatNumber(int(row.n))))
		}
	}
	sb.WriteString("\n")

	if p := r.Platform; p != nil {
		sb.WriteString("## Platform\n")
		if !p.Available {
			sb.WriteString(fmt.Sprintf("EFI variables unavailable: %s\n\n", p.Error))
		} else {
			sb.WriteString(fmt.Sprintf("- SecureBoot: %s\n", enabledDisabled(p.SecureBoot)))
			sb.WriteString(fmt.Sprintf("- SetupMode: %s\n", yesNo(p.SetupMode)))
			sb.WriteString(fmt.Sprintf("- DeployedMode: %s\n", yesNo(p.DeployedMode)))
			if p.Error != "" {
				sb.WriteString(fmt.Sprintf("- Probe error: %s\n", p.Error))
			}
			sb.WriteString("\n")
		}
	}

	if r.Level == LevelDetailed && len(r.Timeline) > 0 {
		sb.WriteString("## Timeline\n")
		sb.WriteString("| Seq | Time | Operation | Address | Caller | Outcome | Score |\n")
		sb.WriteString("|-----|------|-----------|---------|--------|---------|-------|\n")
		for _, rec := range r.Timeline {
			caller := rec.Caller
			if caller == "" {
				caller = "-"
			}
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | 0x%x | %s | %s | %d |\n",
				rec.Seq,
				rec.Timestamp.Format("15:04:05.000"),
				rec.Kind,
				rec.Address,
				caller,
				outcome(rec.Allowed, rec.Redirected),
				rec.Score))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func severityIcon(s Severity) string {
	switch s {
	case SeverityCritical:
		return "[CRITICAL]"
	case SeverityWarning:
		return "[WARNING]"
	case SeverityInfo:
		return "[INFO]"
	default:
		return ""
	}
}

func outcome(allowed, redirected bool) string {
	switch {
	case redirected:
		return "redirected"
	case allowed:
		return "allowed"
	default:
		return "blocked"
	}
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

func enabledDisabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func formatSize(n int) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KiB", n>>10)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}

	s := fmt.Sprintf("%d", n)
	result := make([]byte, 0, len(s)+len(s)/3)

	// Work backwards, adding commas every 3 digits
	for i := len(s) - 1; i >= 0; i-- {
		if (len(s)-1-i) > 0 && (len(s)-1-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, s[i])
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	return string(result)
}
