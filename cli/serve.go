package cli

import (
	"github.com/spf13/cobra"

	"github.com/wudi/pdfdesk/config"
	"github.com/wudi/pdfdesk/server"
)

func (a *App) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve merge/split sessions over HTTP",
		Long: `Start the HTTP API. Each session holds the files of one merge or split
workflow; results are published as download handles that stay valid until
the next result of the same mode replaces them.

Examples:
  pdfdesk serve --addr :9000
  PDFDESK_AUTH_MODE=token PDFDESK_AUTH_TOKENS=s3cret=alice pdfdesk serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			if addr != "" {
				rt.cfg.Server.Addr = addr
			}

			var auth server.Authenticator = server.GuestAuthenticator{}
			if rt.cfg.Auth.Mode == config.AuthToken {
				auth = server.TokenAuthenticator{Tokens: rt.cfg.Auth.Tokens}
			}
			srv := server.New(server.Config{
				Addr:           rt.cfg.Server.Addr,
				H2C:            rt.cfg.Server.H2C,
				MaxUploadBytes: rt.cfg.Server.MaxUploadBytes,
				SessionTTL:     rt.cfg.Server.SessionTTL,
				ShutdownGrace:  rt.cfg.Server.ShutdownGrace,
			}, rt.engine, rt.converter,
				server.WithLogger(rt.logger),
				server.WithTracer(rt.tracing.Tracer()),
				server.WithAuthenticator(auth))
			return srv.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}
