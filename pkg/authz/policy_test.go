package authz

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("PolicyEvaluator", func() {
	var (
		evaluator *PolicyEvaluator
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		evaluator, err = NewPolicyEvaluator(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	It("grants read actions to viewers", func() {
		allowed, err := evaluator.Allowed(ctx, []string{"viewer"}, "environment:read")
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeTrue())
	})

	It("denies write actions to viewers", func() {
		allowed, err := evaluator.Allowed(ctx, []string{"viewer"}, "build:create")
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeFalse())
	})

	It("normalizes the legacy editor role to developer", func() {
		allowed, err := evaluator.Allowed(ctx, []string{"editor"}, "build:create")
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeTrue())
	})

	It("grants destructive actions only to admins", func() {
		allowed, err := evaluator.Allowed(ctx, []string{"developer"}, "environment:delete")
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeFalse())

		allowed, err = evaluator.Allowed(ctx, []string{"admin"}, "environment:delete")
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeTrue())
	})

	It("allows when any role in the set grants the action", func() {
		allowed, err := evaluator.Allowed(ctx, []string{"viewer", "admin"}, "build:cancel")
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeTrue())
	})

	It("denies unknown roles and empty role sets", func() {
		allowed, err := evaluator.Allowed(ctx, []string{"superuser"}, "environment:read")
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeFalse())

		allowed, err = evaluator.Allowed(ctx, nil, "environment:read")
		Expect(err).NotTo(HaveOccurred())
		Expect(allowed).To(BeFalse())
	})
})
