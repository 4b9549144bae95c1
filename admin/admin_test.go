package admin

import (
	"context"
	"os"
	"testing"

	"github.com/clustercache/moxicore/bucket"
	"github.com/clustercache/moxicore/cmn"
	_ "github.com/clustercache/moxicore/engine" // registers the "mem" module
)

func newTestHandler() *Handler {
	return &Handler{
		Registry: bucket.NewRegistry(),
		Auth:     Authorizer{AdminUser: "admin"},
	}
}

func TestDispatchRejectsWrongUser(t *testing.T) {
	h := newTestHandler()
	_, err := h.Dispatch(context.Background(), Request{Op: OpListBuckets, SASLUser: "nobody"})
	if _, ok := err.(*ErrUnauthorized); !ok {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDispatchBypassEnvAllowsAnyUser(t *testing.T) {
	os.Setenv(cmn.AdminAuthBypassEnv, "1")
	defer os.Unsetenv(cmn.AdminAuthBypassEnv)

	h := newTestHandler()
	resp, err := h.Dispatch(context.Background(), Request{Op: OpListBuckets, SASLUser: "anyone"})
	if err != nil {
		t.Fatalf("expected bypass to authorize, got %v", err)
	}
	if !resp.OK {
		t.Fatal("expected OK response")
	}
}

func TestCreateListDeleteBucket(t *testing.T) {
	h := newTestHandler()
	ctx := context.Background()

	_, err := h.Dispatch(ctx, Request{Op: OpCreateBucket, SASLUser: "admin", Bucket: "b1", ModulePath: "mem"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := h.Dispatch(ctx, Request{Op: OpListBuckets, SASLUser: "admin"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Names) != 1 || resp.Names[0] != "b1" {
		t.Fatalf("expected [b1], got %v", resp.Names)
	}

	_, err = h.Dispatch(ctx, Request{Op: OpDeleteBucket, SASLUser: "admin", Bucket: "b1", Force: true})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	h := newTestHandler()
	ctx := context.Background()
	h.Dispatch(ctx, Request{Op: OpCreateBucket, SASLUser: "admin", Bucket: "b1", ModulePath: "mem"})
	_, err := h.Dispatch(ctx, Request{Op: OpCreateBucket, SASLUser: "admin", Bucket: "b1", ModulePath: "mem"})
	if _, ok := err.(*cmn.ErrBucketExists); !ok {
		t.Fatalf("expected ErrBucketExists, got %v", err)
	}
}

func TestSelectBucketReturnsHandle(t *testing.T) {
	h := newTestHandler()
	ctx := context.Background()
	h.Dispatch(ctx, Request{Op: OpCreateBucket, SASLUser: "admin", Bucket: "b1", ModulePath: "mem"})

	resp, err := h.Dispatch(ctx, Request{Op: OpSelectBucket, SASLUser: "admin", Bucket: "b1"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if resp.Handle == nil {
		t.Fatal("expected a handle on select")
	}
}

func TestResolveAliases(t *testing.T) {
	if op, ok := Resolve("bucket_create"); !ok || op != OpCreateBucket {
		t.Fatalf("expected bucket_create alias to resolve to OpCreateBucket, got %v %v", op, ok)
	}
}
