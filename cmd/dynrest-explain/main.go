// Command dynrest-explain prints the SQL a list request would run against an
// entity schema without touching a database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"dynrest/internal/config"
	"dynrest/internal/engine"
	"dynrest/internal/permission"
	"dynrest/internal/schema"
	"dynrest/internal/sqlutil"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type explainOptions struct {
	schemaPath string
	dialect    string
	output     string
	identity   string
	roles      []string
	superuser  bool
	compiler   config.CompilerConfig
}

func newRootCmd() *cobra.Command {
	opts := explainOptions{}
	cmd := &cobra.Command{
		Use:   "dynrest-explain ENTITY [QUERY]",
		Short: "Compile a list request to SQL.",
		Long: `Compile a list request to the SQL statements it would run.

QUERY is the raw query string of the request, for example
  dynrest-explain --schema schema.yaml users 'filter{name.icontains}=an&include[]=groups.'`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 2 {
				query = args[1]
			}
			return runExplain(cmd.Context(), cmd.OutOrStdout(), opts, args[0], query)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.schemaPath, "schema", "schema.yaml", "path to the entity schema file")
	flags.StringVar(&opts.dialect, "dialect", config.DriverMySQL, "SQL dialect: mysql or sqlite")
	flags.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	flags.StringVar(&opts.identity, "identity", "", "identity id bound to $me (anonymous when empty)")
	flags.StringSliceVar(&opts.roles, "role", nil, "role held by the identity (repeatable)")
	flags.BoolVar(&opts.superuser, "superuser", false, "explain as a superuser, bypassing permissions")
	flags.IntVar(&opts.compiler.DefaultPageSize, "default-page-size", 50, "page size when per_page is absent")
	flags.IntVar(&opts.compiler.MaxPageSize, "max-page-size", 1000, "largest accepted per_page")
	flags.BoolVar(&opts.compiler.ExcludeCount, "exclude-count", false, "skip the count query")
	flags.StringVar(&opts.compiler.DefaultCombinator, "default-combinator", "and", "filter combinator when the request has none")
	flags.StringVar(&opts.compiler.CursorField, "cursor-field", "-id", "cursor ordering of entities that declare none")
	return cmd
}

func runExplain(ctx context.Context, out io.Writer, opts explainOptions, route, query string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}
	s, err := schema.LoadFile(opts.schemaPath)
	if err != nil {
		return err
	}
	dialect, err := sqlutil.DialectFor(opts.dialect)
	if err != nil {
		return err
	}

	eng, err := engine.New(s, nil, opts.compiler, engine.Options{Dialect: dialect})
	if err != nil {
		return err
	}
	defer eng.Close()

	x, err := eng.Explain(permission.WithIdentity(ctx, opts.identityValue()), route, values)
	if err != nil {
		return err
	}

	if opts.output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(x)
	}
	return writeText(out, x)
}

func (o explainOptions) identityValue() permission.Identity {
	id := permission.Identity{Superuser: o.superuser}
	if o.identity != "" {
		if n, err := strconv.ParseInt(o.identity, 10, 64); err == nil {
			id.ID = n
		} else {
			id.ID = o.identity
		}
	}
	if len(o.roles) > 0 {
		id.Attributes = make(map[string]any, len(o.roles))
		for _, role := range o.roles {
			id.Attributes[role] = true
		}
	}
	return id
}

func writeText(out io.Writer, x *engine.Explanation) error {
	if _, err := fmt.Fprintf(out, "-- entity: %s\n-- fingerprint: %s\n-- depth: %d\n", x.Entity, x.Fingerprint, x.Depth); err != nil {
		return err
	}
	for _, st := range x.Statements {
		if _, err := fmt.Fprintf(out, "\n-- %s\n%s;\n", st.Name, st.SQL); err != nil {
			return err
		}
		if len(st.Args) > 0 {
			if _, err := fmt.Fprintf(out, "-- args: %v\n", st.Args); err != nil {
				return err
			}
		}
	}
	return nil
}
