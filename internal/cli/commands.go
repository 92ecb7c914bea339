package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"edgeproxy/internal/events"
)

// Block blacklists an address through the admin API
func Block(w io.Writer, client *APIClient, req *BlacklistRequest) error {
	resp, err := client.Blacklist(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s blocked\n", errorStyle.Render("⛔"), resp.IP)
	if req.Reason != "" {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("reason"), req.Reason)
	}
	return nil
}

// Allow allowlists an address through the admin API
func Allow(w io.Writer, client *APIClient, req *AllowlistRequest) error {
	resp, err := client.Allowlist(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s allowlisted\n", successStyle.Render("✓"), resp.IP)
	return nil
}

// Check prints the reputation of an address
func Check(w io.Writer, client *APIClient, ip string) error {
	rep, err := client.Reputation(ip)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, titleStyle.Render(rep.IP))
	switch {
	case rep.Allowlisted:
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("status"), successStyle.Render("allowlisted"))
	case rep.Blacklisted:
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("status"), errorStyle.Render("blacklisted"))
	default:
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("status"), infoStyle.Render("unknown"))
	}

	if bl := rep.Blacklist; bl != nil {
		if bl.Reason != "" {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("reason"), bl.Reason)
		}
		if bl.CountryCode != "" {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("country"), bl.CountryCode)
		}
		fmt.Fprintf(w, "  %s %d\n", labelStyle.Render("hits"), bl.Hits)
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("first seen"), bl.FirstSeen.Format(time.RFC3339))
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("last seen"), bl.LastSeen.Format(time.RFC3339))
	}
	if al := rep.Allowlist; al != nil {
		if al.Note != "" {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("note"), al.Note)
		}
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("since"), al.CreatedAt.Format(time.RFC3339))
	}

	if len(rep.RecentEvents) > 0 {
		fmt.Fprintln(w, labelStyle.Render("  recent requests"))
		for _, ev := range rep.RecentEvents {
			status := "dropped"
			if ev.Status != nil {
				status = strconv.Itoa(*ev.Status)
			}
			line := fmt.Sprintf("    %s %s %s %s%s", ev.TS.Format(time.RFC3339), status, ev.Method, ev.Host, ev.Path)
			if ev.Reason != "" {
				line += " " + warningStyle.Render(ev.Reason)
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

// PrintReport summarizes a partition maintenance pass
func PrintReport(w io.Writer, report *events.Report) {
	fmt.Fprintln(w, titleStyle.Render("Partition maintenance"))
	if report == nil {
		fmt.Fprintln(w, warningStyle.Render("  no report"))
		return
	}
	for _, name := range report.Created {
		fmt.Fprintf(w, "  %s created %s\n", successStyle.Render("+"), name)
	}
	for _, name := range report.Dropped {
		fmt.Fprintf(w, "  %s dropped %s\n", warningStyle.Render("-"), name)
	}
	fmt.Fprintf(w, "  %s %d rows pruned from the default partition\n", infoStyle.Render("·"), report.Pruned)
	if len(report.Created) == 0 && len(report.Dropped) == 0 && report.Pruned == 0 {
		fmt.Fprintln(w, infoStyle.Render("  nothing to do"))
	}
}
