package registry

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 任意形状的票据树，删除 TGT 返回 1 + 后代数，其他会话不受影响
func TestProperty_CascadeDeleteCount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("DeleteTicket(TGT) 删除整棵树", prop.ForAll(
		func(sts, pgts, pts int) bool {
			if pgts > sts {
				pgts = sts
			}
			h := newHarness(t, memoryBuilder)
			tgt := h.tgt("casuser")
			other := h.tgt("bystander")
			h.st(other, "https://other.example.org")

			for i := 0; i < sts; i++ {
				st := h.st(tgt, "https://app.example.org")
				if i >= pgts {
					continue
				}
				st.Use(h.now)
				pgt := h.add(h.factory.CreateProxyGrantingTicket(st, tgt.Authentication, "https://app.example.org/cb"))
				for j := 0; j < pts; j++ {
					h.add(h.factory.CreateProxyTicket(pgt, "https://backend.example.org"))
				}
			}

			removed, err := h.reg.DeleteTicket(h.ctx, tgt.ID)
			if err != nil || removed != 1+sts+pgts+pgts*pts {
				return false
			}
			all, err := h.reg.GetTickets(h.ctx)
			if err != nil || len(all) != 2 {
				return false
			}
			for _, tk := range all {
				if tk.RootID != other.ID {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 8),
		gen.IntRange(0, 8),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
