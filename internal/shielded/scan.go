package shielded

import (
	"context"
	"math/big"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Scan trial-decrypts every candidate concurrently and returns the notes addressed to kp,
// ordered by leaf index. It never mutates shared state.
func Scan(ctx context.Context, kp *Keypair, candidates []Candidate) ([]*Note, error) {
	if kp.encryptionPrivate == nil {
		return nil, ErrNoPrivateKey
	}

	var (
		mu    sync.Mutex
		found []*Note
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range candidates {
		c := candidates[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			note, err := DecryptFirst(kp, []Candidate{c})
			if err != nil {
				return nil
			}
			mu.Lock()
			found = append(found, note)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Index < found[j].Index })
	return found, nil
}

// Balance sums the amounts of notes.
func Balance(notes []*Note) *big.Int {
	total := new(big.Int)
	for _, n := range notes {
		total.Add(total, n.Amount.ToBig())
	}
	return total
}
