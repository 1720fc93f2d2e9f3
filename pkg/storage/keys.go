package storage

import "github.com/ethereum/go-ethereum/common"

// keys: ord:<32-byte-key>, vlt:<32-byte-key>, tkt:<32-byte-key>,
// rb:<20-byte-addr> (deposit balance), rd:<32-byte-key> (per-record deposit)
func kOrder(key common.Hash) []byte { return append([]byte("ord:"), key[:]...) }

func kVault(key common.Hash) []byte { return append([]byte("vlt:"), key[:]...) }

func kTicket(key common.Hash) []byte { return append([]byte("tkt:"), key[:]...) }

func kRentBal(a common.Address) []byte { return append([]byte("rb:"), a[:]...) }

func kRentRec(key common.Hash) []byte { return append([]byte("rd:"), key[:]...) }

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
