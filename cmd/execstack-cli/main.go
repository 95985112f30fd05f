package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"execstack/pkg/execstack"
)

const version = "0.1.0"

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	levelStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	buyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	sellStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	lockedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func main() {
	addr := "localhost:9090"
	if a := os.Getenv("EXECSTACK_ADDR"); a != "" {
		addr = a
	}
	flag.StringVar(&addr, "addr", addr, "execstack-server gRPC address")
	timeout := flag.Duration("timeout", 3*time.Minute, "request timeout")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: execstack-cli [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version           Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  orders [level]    List active orders (instrument, contract, broker or all)\n")
		fmt.Fprintf(os.Stderr, "  cancel-all        Cancel every working broker order\n")
		fmt.Fprintf(os.Stderr, "  eod               Run the end-of-day teardown\n")
		fmt.Fprintf(os.Stderr, "  watch             Live view of the three stacks\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	if cmd == "version" {
		fmt.Printf("execstack-cli %s\n", version)
		return
	}

	client, err := execstack.Dial(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if cmd == "watch" {
		if err := watch(client); err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd {
	case "orders":
		levels := []string{"instrument", "contract", "broker"}
		if flag.NArg() > 1 && flag.Arg(1) != "all" {
			levels = []string{flag.Arg(1)}
		}
		out, err := renderLevels(ctx, client, levels)
		if err != nil {
			fmt.Fprintf(os.Stderr, "orders: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)

	case "cancel-all":
		res, err := client.CancelAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cancel-all: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(renderCancel(res))

	case "eod":
		res, err := client.EndOfDay(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "eod: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(renderCancel(&res.Cancel))
		fmt.Printf("fills updated %d, force completed %d, held %d, families closed %d, removed %d\n",
			res.FillsUpdated, res.ForceCompleted, res.Held, res.FamiliesClosed, res.Removed)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(1)
	}
}

func renderLevels(ctx context.Context, client *execstack.Client, levels []string) (string, error) {
	var b strings.Builder
	for _, level := range levels {
		orders, err := client.ListOrders(ctx, level)
		if err != nil {
			return "", err
		}
		b.WriteString(renderOrders(level, orders))
		b.WriteString("\n")
	}
	return b.String(), nil
}

func renderOrders(level string, orders []execstack.Order) string {
	var b strings.Builder
	b.WriteString(levelStyle.Render(fmt.Sprintf(" %s stack (%d) ", level, len(orders))))
	b.WriteString("\n")
	if len(orders) == 0 {
		b.WriteString(dimStyle.Render("  no active orders"))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("%6s  %-10s %-8s %-8s %7s %7s %10s %-8s %-8s", "ID", "STRATEGY", "INSTR", "CONTRACT", "TRADE", "FILL", "PRICE", "TYPE", "ALGO")))
	b.WriteString("\n")
	for _, o := range orders {
		trade := fmt.Sprintf("%7d", o.Trade)
		if o.Trade > 0 {
			trade = buyStyle.Render(trade)
		} else {
			trade = sellStyle.Render(trade)
		}
		price := ""
		if o.Fill != 0 {
			price = fmt.Sprintf("%.2f", o.FilledPrice)
		}
		line := fmt.Sprintf("%6d  %-10s %-8s %-8s %s %7d %10s %-8s %-8s",
			o.ID, o.Strategy, o.Instrument, strings.Join(o.ContractIDs, "/"), trade, o.Fill, price, o.OrderType, o.ControllingAlgo)
		if o.Locked {
			line += " " + lockedStyle.Render("LOCKED")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func renderCancel(res *execstack.CancelResult) string {
	if res.Success {
		return okStyle.Render("cancel confirmed") + fmt.Sprintf(" (%d broker orders)", len(res.Confirmed))
	}
	return failStyle.Render("cancel timed out") + fmt.Sprintf(" outstanding broker orders: %v", res.Outstanding)
}
