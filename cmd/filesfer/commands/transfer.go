package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cyberinferno/filesfer/client"
	"github.com/cyberinferno/filesfer/config"
	"github.com/cyberinferno/filesfer/perfmonitor"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

// clientOptions holds the flags of the commands that talk to a server.
type clientOptions struct {
	addr    string
	timeout time.Duration
}

func (o *clientOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.addr, "addr", "a", "", "Server address host:port (default: 127.0.0.1:<server.port>)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "Read and write timeout")
}

// connect resolves the server address and opens a client connection.
func (o *clientOptions) connect(ctx context.Context, root *rootOptions) (*client.Client, error) {
	cfg, err := config.Load(root.configFile)
	if err != nil {
		return nil, err
	}

	addr := o.addr
	if addr == "" {
		addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.Port))
	}

	ccfg := client.DefaultConfig(addr)
	ccfg.ReadTimeout = o.timeout
	ccfg.WriteTimeout = o.timeout
	ccfg.ChunkSize = cfg.Server.ChunkSize.Int()

	c := client.New(ccfg)
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return c, nil
}

func newListCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List the files shared by a server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.connect(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			names, err := c.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "(no files)")
				return nil
			}

			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}

	opts.register(cmd)
	return cmd
}

func newPutCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:   "put <file> [name]",
		Short: "Upload a local file",
		Long: `Upload a local file to the server. The server stores it under name,
which defaults to the base name of file. An existing file is replaced.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			info, err := f.Stat()
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return fmt.Errorf("%s is not a regular file", args[0])
			}

			name := filepath.Base(args[0])
			if len(args) == 2 {
				name = args[1]
			}

			c, err := opts.connect(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			monitor := perfmonitor.NewPerformanceMonitor()
			monitor.Start()
			if err := c.Upload(cmd.Context(), name, f, info.Size()); err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			monitor.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%s) in %s\n",
				name, units.HumanSize(float64(info.Size())), monitor.Elapsed().Round(time.Millisecond))
			return nil
		},
	}

	opts.register(cmd)
	return cmd
}

func newGetCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:   "get <name> [dest]",
		Short: "Download a shared file",
		Long: `Download a file from the server. dest may be a directory or a file
path and defaults to the current directory. The file only appears at dest
once the download has completed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := filepath.Base(args[0])
			if len(args) == 2 {
				dest = args[1]
				if info, err := os.Stat(dest); err == nil && info.IsDir() {
					dest = filepath.Join(dest, filepath.Base(args[0]))
				}
			}

			c, err := opts.connect(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			tmp, err := os.CreateTemp(filepath.Dir(dest), ".filesfer-*")
			if err != nil {
				return err
			}
			defer func() { _ = os.Remove(tmp.Name()) }()

			monitor := perfmonitor.NewPerformanceMonitor()
			monitor.Start()
			n, err := c.Download(cmd.Context(), args[0], tmp)
			monitor.Stop()
			if closeErr := tmp.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return fmt.Errorf("download failed: %w", err)
			}

			if err := os.Chmod(tmp.Name(), 0644); err != nil {
				return err
			}
			if err := os.Rename(tmp.Name(), dest); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s (%s) in %s\n",
				dest, units.HumanSize(float64(n)), monitor.Elapsed().Round(time.Millisecond))
			return nil
		},
	}

	opts.register(cmd)
	return cmd
}
