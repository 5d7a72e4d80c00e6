// Package onchain is the On-chain Verifier (C10). It adapts the
// teacher's generic ABI-pack/call/unpack pattern to a narrower,
// domain-specific call: verifying a Groth16 proof against a circuit's
// verifier contract, resolved per chain from the circuit registry.
package onchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/zkproofport/engine/pkg/circuits"
	"github.com/zkproofport/engine/pkg/errs"
)

// verifierABI is the minimal Groth16 verifier interface this engine
// calls: verifyProof(a,b,c uint256[], input uint256[]) returns (bool).
const verifierABI = `[{
	"name":"verifyProof",
	"type":"function",
	"stateMutability":"view",
	"inputs":[
		{"name":"a","type":"uint256[2]"},
		{"name":"b","type":"uint256[2][2]"},
		{"name":"c","type":"uint256[2]"},
		{"name":"input","type":"uint256[]"}
	],
	"outputs":[{"name":"","type":"bool"}]
}]`

// Proof is the Groth16 proof triple produced by C7.
type Proof struct {
	A [2]*big.Int    `json:"a"`
	B [2][2]*big.Int `json:"b"`
	C [2]*big.Int    `json:"c"`
}

// Verifier calls a circuit's on-chain verifier contract.
type Verifier struct {
	client   *ethclient.Client
	registry *circuits.Registry
	abi      abi.ABI
}

// New connects to an EVM RPC endpoint and prepares the verifier ABI.
func New(ctx context.Context, rpcURL string, registry *circuits.Registry) (*Verifier, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "failed to dial chain RPC", err)
	}
	parsed, err := abi.JSON(strings.NewReader(verifierABI))
	if err != nil {
		return nil, fmt.Errorf("onchain: parse verifier ABI: %w", err)
	}
	return &Verifier{client: client, registry: registry, abi: parsed}, nil
}

// VerifyProof calls circuitID's verifier contract on chainID with the
// given proof and public inputs, returning the contract's boolean
// verdict together with the verifier contract address it called, per
// spec §4.10's `{isValid, verifierAddress}` result shape.
func (v *Verifier) VerifyProof(ctx context.Context, circuitID string, chainID int64, proof Proof, publicInputs []*big.Int) (bool, string, error) {
	addr, ok := v.registry.VerifierAddress(circuitID, chainID)
	if !ok {
		return false, "", errs.New(errs.KindConfigError,
			fmt.Sprintf("no verifier configured for circuit %q on chain %d", circuitID, chainID))
	}
	contractAddr := common.HexToAddress(addr)

	callData, err := v.abi.Pack("verifyProof", proof.A, proof.B, proof.C, publicInputs)
	if err != nil {
		return false, "", fmt.Errorf("onchain: pack verifyProof: %w", err)
	}

	result, err := v.client.CallContract(ctx, ethereum.CallMsg{
		To:   &contractAddr,
		Data: callData,
	}, nil)
	if err != nil {
		return false, "", errs.Wrap(errs.KindUpstreamError, "verifyProof call failed", err)
	}

	outputs, err := v.abi.Unpack("verifyProof", result)
	if err != nil {
		return false, "", fmt.Errorf("onchain: unpack verifyProof result: %w", err)
	}
	if len(outputs) != 1 {
		return false, "", errs.New(errs.KindUpstreamError, "unexpected verifyProof output shape")
	}
	verified, ok := outputs[0].(bool)
	if !ok {
		return false, "", errs.New(errs.KindUpstreamError, "verifyProof did not return a bool")
	}
	return verified, addr, nil
}

// Close releases the underlying RPC connection.
func (v *Verifier) Close() { v.client.Close() }
