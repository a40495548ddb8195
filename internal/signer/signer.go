// Package signer provides the ExternalSigner the send pipeline calls to
// produce a signed transaction for every broadcast. The keystore
// implementation here exists so the coordinator is runnable end-to-end
// without an external signing service.
package signer

import (
	"errors"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"txcoordinator/internal/model"
)

// ExternalSigner is the interface the send pipeline depends on, kept narrow
// so tests can substitute an in-memory signer.
type ExternalSigner interface {
	SignTransaction(sender model.Sender, tx *types.Transaction) (*types.Transaction, error)
}

// KeystoreSigner signs with a go-ethereum keystore, one passphrase shared by
// every account in the store.
type KeystoreSigner struct {
	ks         *keystore.KeyStore
	passphrase string
	chainID    *big.Int
}

func NewKeystoreSigner(dir string, passphrase string, chainID *big.Int) (*KeystoreSigner, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keystore dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	return &KeystoreSigner{ks: ks, passphrase: passphrase, chainID: chainID}, nil
}

func (s *KeystoreSigner) findAccount(addr common.Address) (accounts.Account, error) {
	for _, acct := range s.ks.Accounts() {
		if acct.Address == addr {
			return acct, nil
		}
	}
	return accounts.Account{}, errors.New("account not found in keystore")
}

func (s *KeystoreSigner) SignTransaction(sender model.Sender, tx *types.Transaction) (*types.Transaction, error) {
	if s.passphrase == "" {
		return nil, errors.New("keystore passphrase is empty")
	}
	acct, err := s.findAccount(common.Address(sender))
	if err != nil {
		return nil, err
	}
	return s.ks.SignTxWithPassphrase(acct, s.passphrase, tx, s.chainID)
}

func (s *KeystoreSigner) Accounts() []model.Sender {
	acctList := s.ks.Accounts()
	out := make([]model.Sender, 0, len(acctList))
	for _, acct := range acctList {
		out = append(out, model.Sender(acct.Address))
	}
	return out
}
