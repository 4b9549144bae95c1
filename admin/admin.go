// Package admin implements the four administrative opcodes:
// CREATE_BUCKET, DELETE_BUCKET, LIST_BUCKETS, SELECT_BUCKET, each with a
// deprecated alias, gated by SASL-username-matches-admin-user
// authorization.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package admin

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/clustercache/moxicore/bucket"
	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/engine"
)

// Opcode identifies one administrative operation. Each has a canonical
// name and a deprecated alias the wire layer also recognizes.
type Opcode int

const (
	OpCreateBucket Opcode = iota
	OpDeleteBucket
	OpListBuckets
	OpSelectBucket
)

// aliases maps the deprecated spelling to the canonical opcode.
var aliases = map[string]Opcode{
	"create_bucket": OpCreateBucket,
	"bucket_create": OpCreateBucket,
	"delete_bucket": OpDeleteBucket,
	"bucket_delete": OpDeleteBucket,
	"list_buckets":  OpListBuckets,
	"buckets_list":  OpListBuckets,
	"select_bucket": OpSelectBucket,
	"bucket_select": OpSelectBucket,
}

// Resolve maps a wire command name (canonical or deprecated alias) to its
// Opcode.
func Resolve(name string) (Opcode, bool) {
	op, ok := aliases[strings.ToLower(name)]
	return op, ok
}

// Request is the parsed administrative command, independent of ASCII vs.
// binary framing — wire framing is a separate, host-owned concern.
type Request struct {
	Op        Opcode
	Bucket    string
	ModulePath string
	Config    string
	Force     bool
	SASLUser  string
}

// Authorizer decides whether req's SASL-authenticated username is
// permitted to perform administrative operations: the configured admin
// user, or anyone at all when the bypass env var recognized for testing
// is set.
type Authorizer struct {
	AdminUser string
}

// Authorize reports whether user may perform administrative commands.
func (a Authorizer) Authorize(user string) bool {
	if bypass, _ := os.LookupEnv(cmn.AdminAuthBypassEnv); bypass != "" {
		return true
	}
	return a.AdminUser != "" && user == a.AdminUser
}

// ErrUnauthorized is returned when a command fails the admin-username
// check.
type ErrUnauthorized struct {
	User string
}

func (e *ErrUnauthorized) Error() string { return "unauthorized admin command from user " + e.User }

// Handler dispatches administrative requests against a bucket Registry.
type Handler struct {
	Registry *bucket.Registry
	Auth     Authorizer
	API      engine.ServerAPI
}

// Dispatch authorizes and executes req, returning a response line (or
// bucket list) appropriate to the opcode.
func (h *Handler) Dispatch(ctx context.Context, req Request) (Response, error) {
	if !h.Auth.Authorize(req.SASLUser) {
		return Response{}, &ErrUnauthorized{User: req.SASLUser}
	}
	switch req.Op {
	case OpCreateBucket:
		return h.createBucket(ctx, req)
	case OpDeleteBucket:
		return h.deleteBucket(req)
	case OpListBuckets:
		return h.listBuckets(), nil
	case OpSelectBucket:
		return h.selectBucket(req)
	default:
		return Response{}, &cmn.ErrProtocol{Detail: "unknown admin opcode"}
	}
}

// Response carries the result of one administrative command: OK for a
// mutation, or a list of names for LIST_BUCKETS.
type Response struct {
	OK      bool
	Names   []string
	Handle  *bucket.Handle // set by SELECT_BUCKET for the caller to bind into its cookie
}

func (h *Handler) createBucket(ctx context.Context, req Request) (Response, error) {
	_, err := h.Registry.Create(ctx, req.Bucket, req.ModulePath, req.Config, h.API)
	if err != nil {
		return Response{}, err
	}
	return Response{OK: true}, nil
}

func (h *Handler) deleteBucket(req Request) (Response, error) {
	if err := h.Registry.Delete(req.Bucket, req.Force, nil); err != nil {
		return Response{}, err
	}
	return Response{OK: true}, nil
}

func (h *Handler) listBuckets() Response {
	names := h.Registry.List()
	sort.Strings(names)
	return Response{OK: true, Names: names}
}

func (h *Handler) selectBucket(req Request) (Response, error) {
	hdl := h.Registry.Lookup(req.Bucket)
	if hdl == nil {
		return Response{}, &cmn.ErrBucketNotFound{Name: req.Bucket}
	}
	return Response{OK: true, Handle: hdl}, nil
}
