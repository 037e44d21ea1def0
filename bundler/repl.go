package bundler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/k0kubun/pp/v3"
)

func (b *Bundler) stopRepl() {
	if b.replListener != nil {
		b.replListener.Close()
	}
}

func (b *Bundler) startRepl() error {
	if b.config.SocketPath == "" {
		return errors.New("no socket_path configured")
	}
	// A stale socket from an unclean exit blocks Listen.
	_ = os.Remove(b.config.SocketPath)

	listener, err := net.Listen("unix", b.config.SocketPath)
	if err != nil {
		return err
	}
	b.replListener = listener

	goSafe(func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if b.IsShutdown() || errors.Is(err, net.ErrClosed) {
					return
				}
				b.logger.Warn("Failed to accept repl connection", "err", err)
				continue
			}
			goSafe(func() { b.handleConnection(conn) })
		}
	})
	return nil
}

func (b *Bundler) handleConnection(conn net.Conn) {
	defer conn.Close()
	b.serveRepl(conn, conn)
}

// serveRepl reads one command per line from r until exit or EOF.
func (b *Bundler) serveRepl(r io.Reader, w io.Writer) {
	printer := pp.New()
	printer.SetColoringEnabled(false)
	printer.SetOutput(w)

	reader := bufio.NewReader(r)
	fmt.Fprintln(w, "AP Bundler REPL")
	fmt.Fprintln(w, "-------------------------")

	for {
		fmt.Fprint(w, "> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(w, "\nExiting...")
			}
			return
		}

		parts := strings.Fields(input)
		if len(parts) == 0 {
			continue
		}

		switch strings.ToLower(parts[0]) {
		case "mempool":
			printer.Println(b.DumpMempool())
		case "reputation":
			printer.Println(b.DumpReputation())
		case "bundle":
			drainAll := len(parts) > 1 && parts[1] == "all"
			res, err := b.SendNextBundle(context.Background(), drainAll)
			if err != nil {
				fmt.Fprintln(w, "bundle failed:", err)
				continue
			}
			if res.Empty() {
				fmt.Fprintln(w, "nothing sent")
				continue
			}
			printer.Println(res)
		case "clear":
			target := "all"
			if len(parts) > 1 {
				target = parts[1]
			}
			switch target {
			case "mempool":
				b.ClearMempool()
			case "reputation":
				b.ClearReputation()
			case "all":
				b.ClearMempool()
				b.ClearReputation()
			default:
				fmt.Fprintln(w, "Usage: clear [mempool|reputation|all]")
				continue
			}
			fmt.Fprintln(w, "cleared", target)
		case "exit":
			fmt.Fprintln(w, "Exiting...")
			return
		default:
			fmt.Fprintln(w, "Unknown command:", parts[0])
		}
	}
}
