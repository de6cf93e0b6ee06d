// Command shieldpool walks through the life of a shielded pool on a local two-chain setup:
//
//   - Alice bridges tokens from L1 into a fresh note.
//   - Bob registers his shielded address under his account.
//   - Alice looks Bob up and pays him privately.
//   - Bob finds the note by trial decryption and withdraws part of it to L1 through a relayer.
//
// Every transaction carries a real Groth16 proof over a small tree.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"shieldpool/internal/pool"
	"shieldpool/internal/shielded"
	"shieldpool/internal/transactions/bridge"
	"shieldpool/internal/transactions/register"
	"shieldpool/internal/transactions/withdraw"
)

const demoDepth = 10

var (
	bridgeAddr   = common.HexToAddress("0x000000000000000000000000000000000000b41d")
	tokenAddr    = common.HexToAddress("0x0000000000000000000000000000000000007043")
	poolAddr     = common.HexToAddress("0x0000000000000000000000000000000000009001")
	executorAddr = common.HexToAddress("0x000000000000000000000000000000000000e8ec")
	relayerAddr  = common.HexToAddress("0x000000000000000000000000000000000000be1a")

	bridgeLiquidity = uint256.NewInt(1_000_000)
)

// demo wires a pool to in-memory L1 and L2 token ledgers.
type demo struct {
	log      zerolog.Logger
	pool     *pool.Pool
	prover   *shielded.Prover
	proofs   bool
	l1, l2   *withdraw.Balances
	bridge   *bridge.LocalBridge
	registry *register.Registry
}

// newDemo opens a pool over keys. Without proofs, transactions carry a placeholder proof and
// verifier must accept it.
func newDemo(keys *shielded.KeySet, verifier pool.ProofVerifier, proofs bool, log zerolog.Logger) (*demo, error) {
	config := pool.DefaultConfig
	config.TreeDepth = keys.Depth
	config.MinWithdrawal = uint256.NewInt(100)

	d := &demo{
		log:      log,
		proofs:   proofs,
		l1:       withdraw.NewBalances(),
		l2:       withdraw.NewBalances(),
		registry: register.NewRegistry(log.With().Str("component", "register").Logger()),
	}
	d.l2.Mint(bridgeAddr, bridgeLiquidity)
	d.bridge = bridge.NewLocalBridge(bridgeAddr, tokenAddr, poolAddr, executorAddr, d.l1, d.l2, nil)

	router := withdraw.NewRouter(poolAddr, d.l2, d.bridge, log.With().Str("component", "withdraw").Logger())
	p, err := pool.Open(config, verifier,
		pool.WithLogger(log.With().Str("component", "pool").Logger()),
		pool.WithCustody(router),
	)
	if err != nil {
		return nil, err
	}
	d.pool = p
	d.bridge.Connect(bridge.New(bridgeAddr, tokenAddr, p, bridge.WithLogger(log.With().Str("component", "bridge").Logger())))
	d.prover = shielded.NewProver(keys, p, shielded.WithProverLogger(log.With().Str("component", "prover").Logger()))
	return d, nil
}

func (d *demo) Close() error {
	d.registry.Close()
	return d.pool.Close()
}

func (d *demo) transaction(ctx context.Context, req *shielded.Request) (*shielded.Transaction, error) {
	if d.proofs {
		return d.prover.Prove(ctx, req)
	}
	prep, err := d.prover.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	prep.Tx.Proof = []byte{0x01}
	return prep.Tx, nil
}

// wallet returns the unspent notes of kp.
func (d *demo) wallet(ctx context.Context, kp *shielded.Keypair) ([]*shielded.Note, error) {
	events := d.pool.Commitments(0, d.pool.Stats().Leaves)
	candidates := make([]shielded.Candidate, len(events))
	for i, ev := range events {
		candidates[i] = ev.Candidate()
	}
	notes, err := shielded.Scan(ctx, kp, candidates)
	if err != nil {
		return nil, err
	}
	unspent := notes[:0]
	for _, n := range notes {
		nf, err := n.Nullifier()
		if err != nil {
			return nil, err
		}
		if !d.pool.IsSpent(nf) && !n.Amount.IsZero() {
			unspent = append(unspent, n)
		}
	}
	return unspent, nil
}

type participant struct {
	name    string
	account common.Address
	owner   *ecdsa.PrivateKey
	keys    *shielded.Keypair
}

func newParticipant(name string) (*participant, error) {
	owner, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	kp, err := shielded.NewKeypair()
	if err != nil {
		return nil, err
	}
	return &participant{name: name, account: crypto.PubkeyToAddress(owner.PublicKey), owner: owner, keys: kp}, nil
}

// outcome is the state at the end of the walkthrough.
type outcome struct {
	Stats        pool.Stats
	AliceWallet  *uint256.Int
	BobWallet    *uint256.Int
	AliceL1      *uint256.Int
	BobL1        *uint256.Int
	ExecutorL1   *uint256.Int
	RelayerL2    *uint256.Int
	PoolCustody  *uint256.Int
	BobLookedUp  string
	Transactions int
}

func (d *demo) run(ctx context.Context) (*outcome, error) {
	alice, err := newParticipant("alice")
	if err != nil {
		return nil, err
	}
	bob, err := newParticipant("bob")
	if err != nil {
		return nil, err
	}
	d.l1.Mint(alice.account, uint256.NewInt(1000))
	out := &outcome{}

	// 1. Alice bridges 600 tokens into a note.
	note, err := shielded.NewNote(uint256.NewInt(600), alice.keys)
	if err != nil {
		return nil, err
	}
	tx, err := d.transaction(ctx, &shielded.Request{Outputs: []*shielded.Note{note}})
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	payload, err := bridge.EncodePayload(tx)
	if err != nil {
		return nil, err
	}
	receipt, err := d.bridge.RelayAndCall(ctx, alice.account, uint256.NewInt(600), payload)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	out.Transactions++
	d.log.Info().Str("who", alice.name).Stringer("kind", receipt.Kind).Uint64("first_index", receipt.FirstIndex).Msg("Bridged deposit applied")

	// 2. Bob publishes his shielded address.
	account, err := register.SignAccount(bob.owner, bob.keys)
	if err != nil {
		return nil, err
	}
	if err := d.registry.Register(ctx, account); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	// 3. Alice pays Bob 200 and keeps 400 in change.
	bobReceiver, err := d.registry.Lookup(bob.account)
	if err != nil {
		return nil, err
	}
	out.BobLookedUp = bobReceiver.Address()
	notes, err := d.wallet(ctx, alice.keys)
	if err != nil {
		return nil, err
	}
	if len(notes) != 1 {
		return nil, fmt.Errorf("alice holds %d notes after her deposit", len(notes))
	}
	gift, err := shielded.NewNote(uint256.NewInt(200), bobReceiver)
	if err != nil {
		return nil, err
	}
	change, err := shielded.NewNote(uint256.NewInt(400), alice.keys)
	if err != nil {
		return nil, err
	}
	tx, err = d.transaction(ctx, &shielded.Request{Inputs: notes, Outputs: []*shielded.Note{gift, change}})
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	if receipt, err = d.pool.Transact(ctx, tx); err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	out.Transactions++
	d.log.Info().Str("who", alice.name).Stringer("kind", receipt.Kind).Str("root", receipt.Root.Hex()).Msg("Private transfer applied")

	// 4. Bob withdraws 150 to L1 through a relayer: 10 relayer fee, 5 L1 fee, 40 change.
	notes, err = d.wallet(ctx, bob.keys)
	if err != nil {
		return nil, err
	}
	if len(notes) != 1 {
		return nil, fmt.Errorf("bob holds %d notes after the transfer", len(notes))
	}
	bobChange, err := shielded.NewNote(uint256.NewInt(40), bob.keys)
	if err != nil {
		return nil, err
	}
	tx, err = d.transaction(ctx, &shielded.Request{
		Inputs:       notes,
		Outputs:      []*shielded.Note{bobChange},
		Fee:          uint256.NewInt(10),
		Recipient:    bob.account,
		Relayer:      relayerAddr,
		L1Withdrawal: true,
		L1Fee:        uint256.NewInt(5),
	})
	if err != nil {
		return nil, fmt.Errorf("withdrawal: %w", err)
	}
	if receipt, err = d.pool.Transact(ctx, tx); err != nil {
		return nil, fmt.Errorf("withdrawal: %w", err)
	}
	out.Transactions++
	d.log.Info().Str("who", bob.name).Stringer("kind", receipt.Kind).Msg("Withdrawal applied")

	// A replay of the withdrawal is refused.
	if _, err := d.pool.Transact(ctx, tx); err == nil {
		return nil, fmt.Errorf("replayed withdrawal was accepted")
	} else {
		d.log.Info().Err(err).Msg("Replay rejected")
	}

	aliceNotes, err := d.wallet(ctx, alice.keys)
	if err != nil {
		return nil, err
	}
	bobNotes, err := d.wallet(ctx, bob.keys)
	if err != nil {
		return nil, err
	}
	out.Stats = d.pool.Stats()
	out.AliceWallet = uint256.MustFromBig(shielded.Balance(aliceNotes))
	out.BobWallet = uint256.MustFromBig(shielded.Balance(bobNotes))
	out.AliceL1 = d.l1.BalanceOf(alice.account)
	out.BobL1 = d.l1.BalanceOf(bob.account)
	out.ExecutorL1 = d.l1.BalanceOf(executorAddr)
	out.RelayerL2 = d.l2.BalanceOf(relayerAddr)
	out.PoolCustody = d.l2.BalanceOf(poolAddr)
	return out, nil
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()
	ctx := context.Background()

	log.Info().Int("depth", demoDepth).Msg("Compiling the transaction circuit and running Groth16 setup")
	start := time.Now()
	keys, err := shielded.Setup("", demoDepth, shielded.SmallInputs)
	if err != nil {
		log.Fatal().Err(err).Msg("Setup failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("Keys ready")

	d, err := newDemo(keys, keys.Verifier(), true, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open pool")
	}
	defer d.Close()

	out, err := d.run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Walkthrough failed")
	}

	fmt.Printf("\n=== Pool ===\n")
	fmt.Printf("Root:         %s\n", out.Stats.Root.Hex())
	fmt.Printf("Leaves:       %d / %d\n", out.Stats.Leaves, out.Stats.Capacity)
	fmt.Printf("Nullifiers:   %d\n", out.Stats.Nullifiers)
	fmt.Printf("Held:         %s (custody account %s)\n", out.Stats.Held.Dec(), out.PoolCustody.Dec())
	fmt.Printf("\n=== Balances ===\n")
	fmt.Printf("Alice shielded %s, L1 %s\n", out.AliceWallet.Dec(), out.AliceL1.Dec())
	fmt.Printf("Bob   shielded %s, L1 %s\n", out.BobWallet.Dec(), out.BobL1.Dec())
	fmt.Printf("L1 executor %s, relayer %s\n", out.ExecutorL1.Dec(), out.RelayerL2.Dec())
}
