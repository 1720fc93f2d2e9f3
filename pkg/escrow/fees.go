package escrow

// FeeBasisPoints is the custodian's settlement fee ratio. Structural
// constant of the settlement math, not a policy knob.
const (
	FeeBasisPoints uint64 = 20
	bpsDenominator uint64 = 10_000
)

// SettlementFee splits amount into the custodian fee and the net payout.
// Fee is floor(amount * 20 / 10000), never rounded up, so fee + net always
// sums exactly to amount. Overflow-free for the full uint64 range.
func SettlementFee(amount uint64) (fee, net uint64) {
	fee = (amount/bpsDenominator)*FeeBasisPoints + (amount%bpsDenominator)*FeeBasisPoints/bpsDenominator
	net = amount - fee
	return fee, net
}
