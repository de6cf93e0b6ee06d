// Package shielded implements the note model and the transaction proof of the pool.
//
// Overview:
//   - Keypairs own notes; a note commits to (amount, owner public key, blinding)
//   - Spending a note reveals its nullifier, H(commitment, index, H(sk, commitment, index))
//   - Outputs are encrypted to their owner and found again by trial decryption
//   - A Groth16 proof over BN254 binds inputs, outputs, deposit and withdrawal
//
// Security Model:
//   - MiMC over the BN254 scalar field for every hash, in and out of circuit
//   - NaCl anonymous boxes (X25519, XSalsa20-Poly1305) for note ciphertexts
//   - Amounts are range checked to 248 bits so the balance equation cannot wrap
//   - Zero-amount inputs are padding and skip the membership check
//   - The ext data hash is a public input, so relayers cannot alter recipient, fee or ciphertexts
//
// Usage:
//   - NewKeypair, NewNote, Note.Encrypt, DecryptFirst and Scan for wallets
//   - Setup to compile the circuits and load or generate keys
//   - Prover.Prove to build a Transaction, Groth16Verifier.Verify to check one
package shielded
