package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

func printDashboard(w io.Writer, entries []types.DashboardEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tENDPOINT\tSTATE\tLATENCY\tCHECKED\tDETAIL")
	caveat := false
	for _, e := range entries {
		d := e.Protocol
		state, latency, checked, detail := "unknown", "-", "-", ""
		if r := e.Result; r != nil {
			state = r.State().String()
			if r.Reachable {
				latency = strconv.FormatInt(r.LatencyMs, 10) + "ms"
			}
			checked = r.Timestamp.Local().Format(time.DateTime)
			detail = r.Detail
			if r.Kind != types.KindNone {
				detail = string(r.Kind) + ": " + detail
			}
		}
		if e.Caveat != "" {
			state += "*"
			caveat = true
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%s:%d\t%s\t%s\t%s\t%s\n", d.ID, d.Type, d.Transport, d.Host, d.Port, state, latency, checked, detail)
	}
	tw.Flush()
	if caveat {
		fmt.Fprintln(w, "\n* "+types.UDPCaveat)
	}
}

func printProtocols(w io.Writer, descs []*types.ProtocolDescriptor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tENDPOINT\tCLIENT")
	for _, d := range descs {
		client := "-"
		if d.Client != nil {
			client = fmt.Sprintf("socks:%d", d.Client.SocksPort)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s/%s:%d\t%s\n", d.ID, d.Name, d.Type, d.Transport, d.Host, d.Port, client)
	}
	tw.Flush()
}

func printResults(w io.Writer, results []types.ProbeResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSTRATEGY\tCONFIDENCE\tLATENCY\tDETAIL")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%s\n", r.ProtocolID, r.State(), r.Strategy, r.Confidence, r.LatencyMs, strings.TrimSpace(string(r.Kind)+" "+r.Detail))
	}
	tw.Flush()
}

// readInput reads a file, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
