// Package feerate centralizes the fee-rate arithmetic shared by the
// candidate selector and the path finder: translating a channel's
// (base_fee, ppm) policy and an amount into an effective parts-per-
// million rate, and the inverse computation from observed amounts.
package feerate

import "math/big"

var million = big.NewInt(1_000_000)

// EffectivePPM returns the effective parts-per-million fee rate a
// channel with the given base fee (msat) and proportional fee (ppm)
// charges when forwarding amountMsat, rounded up.
//
//	effective = ceil((basefee*1e6 + feeppm*amount) / amount)
//
// All intermediate arithmetic happens in arbitrary precision so this
// holds for the full uint32/uint64 input range without overflow.
func EffectivePPM(feePPM, baseFeeMsat uint32, amountMsat uint64) uint64 {
	if amountMsat == 0 {
		return 0
	}

	amount := new(big.Int).SetUint64(amountMsat)

	numerator := new(big.Int).Mul(big.NewInt(int64(baseFeeMsat)), million)
	feeTerm := new(big.Int).Mul(big.NewInt(int64(feePPM)), amount)
	numerator.Add(numerator, feeTerm)

	return ceilDivUint64(numerator, amount)
}

// FeeMsat returns the fee in msat a channel with the given policy
// charges for forwarding amountMsat, rounded up:
//
//	fee = ceil(basefee + feeppm*amount/1e6)
func FeeMsat(feePPM, baseFeeMsat uint32, amountMsat uint64) uint64 {
	feeTerm := new(big.Int).Mul(big.NewInt(int64(feePPM)), new(big.Int).SetUint64(amountMsat))
	base := new(big.Int).Mul(big.NewInt(int64(baseFeeMsat)), million)
	numerator := new(big.Int).Add(base, feeTerm)
	return ceilDivUint64(numerator, million)
}

// EffectiveFromAmounts computes the effective ppm rate implied by a
// sent/received amount pair on a completed or simulated payment.
// Panics if received is zero or sent < received (P2): those are
// caller bugs, not recoverable runtime conditions.
func EffectiveFromAmounts(sentMsat, receivedMsat uint64) uint64 {
	if receivedMsat == 0 {
		panic("feerate: EffectiveFromAmounts requires received > 0")
	}
	if sentMsat < receivedMsat {
		panic("feerate: EffectiveFromAmounts requires sent >= received")
	}

	diff := new(big.Int).SetUint64(sentMsat - receivedMsat)
	diff.Mul(diff, million)
	received := new(big.Int).SetUint64(receivedMsat)

	return ceilDivUint64(diff, received)
}

// ceilDivUint64 computes ceil(num/den) and truncates to uint64. The
// call sites bound num/den such that the quotient always fits.
func ceilDivUint64(num, den *big.Int) uint64 {
	q, r := new(big.Int), new(big.Int)
	q.DivMod(num, den, r)
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Uint64()
}
