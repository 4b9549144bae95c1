package bucket

import (
	"context"
	"time"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/engine"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func init() {
	engine.Register("bucket-suite-mem", func(_ int, _ engine.ServerAPI) (engine.Engine, error) {
		return &suiteEngine{}, nil
	})
}

// suiteEngine is a throwaway Engine just sturdy enough for the registry's
// lifecycle invariants; it never stores anything.
type suiteEngine struct{ destroyed bool }

func (e *suiteEngine) Initialize(context.Context, string) error { return nil }
func (e *suiteEngine) Destroy(bool) error                        { e.destroyed = true; return nil }
func (e *suiteEngine) Allocate(context.Context, interface{}, string, int, uint32, int64) (*engine.Item, error) {
	return nil, nil
}
func (e *suiteEngine) Get(context.Context, interface{}, string, uint16) (*engine.Item, error) {
	return nil, nil
}
func (e *suiteEngine) Store(context.Context, interface{}, *engine.Item, engine.StoreOp, uint16) (uint64, error) {
	return 0, nil
}
func (e *suiteEngine) Remove(context.Context, interface{}, string, uint64, uint16) error { return nil }
func (e *suiteEngine) Release(context.Context, interface{}, *engine.Item)                {}
func (e *suiteEngine) Arithmetic(context.Context, interface{}, string, bool, bool, uint64, uint64, int64, uint16) (uint64, uint64, error) {
	return 0, 0, nil
}
func (e *suiteEngine) Flush(context.Context, interface{}, int64) error { return nil }
func (e *suiteEngine) GetStats(context.Context, interface{}, string, func(string, string)) error {
	return nil
}
func (e *suiteEngine) ResetStats(context.Context, interface{})                         {}
func (e *suiteEngine) AggregateStats(context.Context, interface{}, func(interface{}))   {}
func (e *suiteEngine) UnknownCommand(context.Context, interface{}, uint8, []byte) ([]byte, error) {
	return nil, nil
}
func (e *suiteEngine) TapNotify(context.Context, interface{}, string) error { return nil }
func (e *suiteEngine) GetTapIterator(context.Context, interface{}, string, uint32) (engine.TapIterator, error) {
	return nil, nil
}
func (e *suiteEngine) ItemSetCAS(*engine.Item, uint64) {}
func (e *suiteEngine) GetItemInfo(*engine.Item) bool    { return false }
func (e *suiteEngine) ErrInfo(interface{}) string       { return "" }

var _ = Describe("bucket registry lifecycle", func() {
	var reg *Registry

	BeforeEach(func() {
		reg = NewRegistry()
	})

	It("rejects invalid names", func() {
		_, err := reg.Create(context.Background(), "bad name!", "bucket-suite-mem", "", nil)
		Expect(err).To(HaveOccurred())
		var invalid *cmn.ErrInvalidBucketName
		Expect(err).To(BeAssignableToTypeOf(invalid))
	})

	It("refuses a duplicate running bucket name", func() {
		_, err := reg.Create(context.Background(), "b1", "bucket-suite-mem", "", nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = reg.Create(context.Background(), "b1", "bucket-suite-mem", "", nil)
		Expect(err).To(HaveOccurred())
		var exists *cmn.ErrBucketExists
		Expect(err).To(BeAssignableToTypeOf(exists))
	})

	It("lists only RUNNING buckets", func() {
		reg.Create(context.Background(), "b1", "bucket-suite-mem", "", nil)
		reg.Create(context.Background(), "b2", "bucket-suite-mem", "", nil)
		reg.Create(context.Background(), "b3", "bucket-suite-mem", "", nil)
		Expect(reg.Delete("b3", true, nil)).To(Succeed())
		Expect(reg.List()).To(Equal([]string{"b1", "b2"}))
	})

	It("tears a bucket down fully after delete", func() {
		h, err := reg.Create(context.Background(), "b1", "bucket-suite-mem", "", nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(reg.Delete("b1", true, nil)).To(Succeed())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(h.WaitStopped(ctx)).To(Succeed())
		Expect(h.State()).To(Equal(StateStopped))
		Expect(reg.Lookup("b1")).To(BeNil())
	})
})
