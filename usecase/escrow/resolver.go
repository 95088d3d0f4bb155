package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"millow-back-onchain/gateway/chain"
	"millow-back-onchain/metrics"
	"millow-back-onchain/model"
	"millow-back-onchain/retry"
)

// DefaultRetryPolicy は読み取りパス全体の再試行設定
var DefaultRetryPolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Resolver は1物件のロールと承認フラグをエスクローから読み取る
type Resolver struct {
	reader chain.EscrowReader
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver は読み取りリゾルバを作成
func NewResolver(reader chain.EscrowReader, policy retry.Policy, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		reader: reader,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve は読み取りパスを最初から最後まで実行する。
// 読み取り失敗時はパス全体をバックオフ付きで再実行し、途中までの結果は返さない
func (r *Resolver) Resolve(ctx context.Context, listingID uint64) (*model.EscrowStatus, error) {
	start := time.Now()

	var status *model.EscrowStatus
	err := retry.Do(ctx, r.policy, func(attempt int) error {
		s, err := r.readPass(ctx, listingID)
		if err == nil {
			status = s
			return nil
		}
		if !errors.Is(err, model.ErrChainRead) || ctx.Err() != nil {
			return retry.Permanent(err)
		}
		r.logger.Warn("escrow read pass failed",
			"listing_id", listingID, "attempt", attempt, "max_attempts", r.policy.MaxAttempts, "error", err)
		return err
	})

	metrics.ResolveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ResolvesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ResolvesTotal.WithLabelValues("ok").Inc()
	return status, nil
}

// readPass は1回分の読み取り。承認フラグは対応するロールのアドレスを読んだ後に読む
func (r *Resolver) readPass(ctx context.Context, listingID uint64) (*model.EscrowStatus, error) {
	var (
		s   = &model.EscrowStatus{ListingID: listingID}
		err error
	)

	if s.Roles.Buyer, err = r.reader.Buyer(ctx, listingID); err != nil {
		return nil, err
	}
	if s.Flags.BoughtApproved, err = r.reader.Approval(ctx, listingID, s.Roles.Buyer); err != nil {
		return nil, err
	}

	if s.Roles.Seller, err = r.reader.Seller(ctx); err != nil {
		return nil, err
	}
	if s.Flags.SoldApproved, err = r.reader.Approval(ctx, listingID, s.Roles.Seller); err != nil {
		return nil, err
	}

	if s.Roles.Lender, err = r.reader.Lender(ctx); err != nil {
		return nil, err
	}
	if s.Flags.LendApproved, err = r.reader.Approval(ctx, listingID, s.Roles.Lender); err != nil {
		return nil, err
	}

	if s.Roles.Inspector, err = r.reader.Inspector(ctx); err != nil {
		return nil, err
	}
	if s.Flags.InspectionPassed, err = r.reader.InspectionPassed(ctx, listingID); err != nil {
		return nil, err
	}

	if s.Flags.IsListed, err = r.reader.IsListed(ctx, listingID); err != nil {
		return nil, err
	}
	if !s.Flags.IsListed {
		// 市場から外れた物件は買い手が所有者
		owner, err := r.reader.Buyer(ctx, listingID)
		if err != nil {
			return nil, err
		}
		s.Flags.OwnerIfSold = &owner
	}

	if s.PurchasePrice, err = r.reader.PurchasePrice(ctx, listingID); err != nil {
		return nil, err
	}
	if s.EscrowAmount, err = r.reader.EscrowAmount(ctx, listingID); err != nil {
		return nil, err
	}

	s.ResolvedAt = r.now()
	return s, nil
}
