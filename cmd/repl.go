package cmd

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"
)

var (
	socketPath = "/tmp/ap-bundler.sock"
	replCmd    = &cobra.Command{
		Use:   "repl",
		Short: "Attach to a running bundler console",
		Long:  `Connect stdin and stdout to the bundler's unix socket console`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := attachRepl(socketPath, os.Stdin, cmd.OutOrStdout()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "❌ %v\n", err)
				os.Exit(1)
			}
		},
	}
)

func attachRepl(path string, in io.Reader, out io.Writer) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", path, err)
	}
	defer conn.Close()

	go func() {
		_, _ = io.Copy(conn, in)
	}()
	_, err = io.Copy(out, conn)
	return err
}

func init() {
	replCmd.Flags().StringVar(&socketPath, "socket", socketPath, "bundler console socket")
	rootCmd.AddCommand(replCmd)
}
