// Package main is moxictl, the administrative CLI: CREATE_BUCKET,
// DELETE_BUCKET, LIST_BUCKETS and SELECT_BUCKET, dispatched through
// admin.Handler against an in-process bucket registry (see localHandler;
// it does not connect to a running moxid), built on
// github.com/urfave/cli's command/subcommand structure with a
// flags-per-subcommand map.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"

	adminpkg "github.com/clustercache/moxicore/admin"
	"github.com/clustercache/moxicore/bucket"
	_ "github.com/clustercache/moxicore/engine"
)

var (
	moduleFlag = cli.StringFlag{Name: "module", Value: "mem", Usage: "engine module path"}
	configFlag = cli.StringFlag{Name: "config", Usage: "bucket engine config string"}
	forceFlag  = cli.BoolFlag{Name: "force", Usage: "force delete even with active callers"}
	userFlag   = cli.StringFlag{Name: "user", Value: "admin", Usage: "SASL admin username"}
)

// localHandler wires moxictl directly against an in-process registry for
// the zero-dependency demo path; a real deployment would instead dial
// moxid's admin port and speak the binary opcodes over the wire — wire
// framing is a host concern this package does not implement.
func localHandler(c *cli.Context) *adminpkg.Handler {
	return &adminpkg.Handler{
		Registry: bucket.NewRegistry(),
		Auth:     adminpkg.Authorizer{AdminUser: c.GlobalString("user")},
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "moxictl"
	app.Usage = "administer a moxicore bucket registry"
	app.Flags = []cli.Flag{userFlag}
	app.Commands = []cli.Command{
		createCmd,
		deleteCmd,
		listCmd,
		selectCmd,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var createCmd = cli.Command{
	Name:      "create-bucket",
	Aliases:   []string{"bucket_create"},
	Usage:     "create a bucket against an engine module",
	ArgsUsage: "NAME",
	Flags:     []cli.Flag{moduleFlag, configFlag},
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.NewExitError("bucket name required", 1)
		}
		h := localHandler(c)
		_, err := h.Dispatch(context.Background(), adminpkg.Request{
			Op:         adminpkg.OpCreateBucket,
			SASLUser:   c.GlobalString("user"),
			Bucket:     name,
			ModulePath: c.String("module"),
			Config:     c.String("config"),
		})
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		fmt.Printf("bucket %q created\n", name)
		return nil
	},
}

var deleteCmd = cli.Command{
	Name:      "delete-bucket",
	Aliases:   []string{"bucket_delete"},
	Usage:     "delete a bucket",
	ArgsUsage: "NAME",
	Flags:     []cli.Flag{forceFlag},
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.NewExitError("bucket name required", 1)
		}
		h := localHandler(c)
		_, err := h.Dispatch(context.Background(), adminpkg.Request{
			Op:       adminpkg.OpDeleteBucket,
			SASLUser: c.GlobalString("user"),
			Bucket:   name,
			Force:    c.Bool("force"),
		})
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		fmt.Printf("bucket %q deleted\n", name)
		return nil
	},
}

var listCmd = cli.Command{
	Name:    "list-buckets",
	Aliases: []string{"buckets_list"},
	Usage:   "list running buckets",
	Action: func(c *cli.Context) error {
		h := localHandler(c)
		resp, err := h.Dispatch(context.Background(), adminpkg.Request{
			Op:       adminpkg.OpListBuckets,
			SASLUser: c.GlobalString("user"),
		})
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		for _, n := range resp.Names {
			fmt.Println(n)
		}
		return nil
	},
}

var selectCmd = cli.Command{
	Name:      "select-bucket",
	Aliases:   []string{"bucket_select"},
	Usage:     "associate the current admin session with a bucket",
	ArgsUsage: "NAME",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.NewExitError("bucket name required", 1)
		}
		h := localHandler(c)
		_, err := h.Dispatch(context.Background(), adminpkg.Request{
			Op:       adminpkg.OpSelectBucket,
			SASLUser: c.GlobalString("user"),
			Bucket:   name,
		})
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		fmt.Printf("selected bucket %q\n", name)
		return nil
	},
}

// bulkDelete is used by a future "delete-buckets" batch subcommand; kept
// here as the single place mpb's progress bar is wired in for
// long-running bulk CLI operations.
func bulkDelete(h *adminpkg.Handler, user string, names []string) []error {
	p := mpb.New(mpb.WithWidth(64))
	bar := p.AddBar(int64(len(names)),
		mpb.PrependDecorators(decor.Name("delete-buckets", decor.WC{W: len("delete-buckets") + 2, C: decor.DSyncWidthR})),
		mpb.AppendDecorators(decor.Percentage(decor.WCSyncWidth)))

	errs := make([]error, 0, len(names))
	for _, name := range names {
		_, err := h.Dispatch(context.Background(), adminpkg.Request{
			Op: adminpkg.OpDeleteBucket, SASLUser: user, Bucket: name, Force: true,
		})
		if err != nil {
			errs = append(errs, err)
		}
		bar.Increment()
	}
	p.Wait()
	return errs
}
