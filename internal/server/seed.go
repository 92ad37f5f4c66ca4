package server

import (
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/parties"
)

// demoParties populate the in-memory directory in development so the API
// can be driven without the upstream user service. Two counterparties and
// three voters; the wallets only exist on the simulated ledger.
func demoParties() []*parties.Party {
	return []*parties.Party{
		demoParty("usr_demo_client", "client@demo.paycasso.io", "Demo Client", "0x00000000000000000000000000000000000c1e01"),
		demoParty("usr_demo_freelancer", "freelancer@demo.paycasso.io", "Demo Freelancer", "0x00000000000000000000000000000000000f1e01"),
		demoParty("usr_demo_voter1", "voter1@demo.paycasso.io", "Voter One", "0x0000000000000000000000000000000000000b01"),
		demoParty("usr_demo_voter2", "voter2@demo.paycasso.io", "Voter Two", "0x0000000000000000000000000000000000000b02"),
		demoParty("usr_demo_voter3", "voter3@demo.paycasso.io", "Voter Three", "0x0000000000000000000000000000000000000b03"),
	}
}

func demoParty(id, email, name, wallet string) *parties.Party {
	return &parties.Party{
		ID:      id,
		Email:   email,
		Name:    name,
		Address: wallet,
		Wallet:  &ledger.Wallet{ID: "wal_" + id[len("usr_"):], Address: wallet},
	}
}
