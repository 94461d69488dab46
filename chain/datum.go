// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PolicyUSD is the placeholder policy id a sale datum uses to denominate its
// cost in USD. A sale costed under this policy is converted through the
// oracle price at settlement time.
const PolicyUSD = "555344"

// DatumKind enumerates the five shapes of plutus data.
type DatumKind uint8

const (
	KindConstr DatumKind = iota
	KindBytes
	KindInt
	KindMap
	KindList
)

// PlutusData is the structured datum representation delivered by the chain
// event stream and persisted as-is. Typed views (SaleDatum, QueueDatum, ...)
// are extracted once at the ingestion boundary; nothing else indexes into
// the positional fields.
type PlutusData struct {
	Kind        DatumKind
	Constructor uint64
	Fields      []PlutusData
	Bytes       string // hex
	Int         int64
	Pairs       []PlutusPair
	Items       []PlutusData
}

// PlutusPair is one entry of a plutus map.
type PlutusPair struct {
	K PlutusData
	V PlutusData
}

// NewConstr builds a constructor datum.
func NewConstr(index uint64, fields ...PlutusData) PlutusData {
	if fields == nil {
		fields = []PlutusData{}
	}
	return PlutusData{Kind: KindConstr, Constructor: index, Fields: fields}
}

// NewBytes builds a byte-string datum from hex.
func NewBytes(hexStr string) PlutusData {
	return PlutusData{Kind: KindBytes, Bytes: hexStr}
}

// NewInt builds an integer datum.
func NewInt(n int64) PlutusData {
	return PlutusData{Kind: KindInt, Int: n}
}

// NewMap builds a map datum.
func NewMap(pairs ...PlutusPair) PlutusData {
	if pairs == nil {
		pairs = []PlutusPair{}
	}
	return PlutusData{Kind: KindMap, Pairs: pairs}
}

// NewList builds a list datum.
func NewList(items ...PlutusData) PlutusData {
	if items == nil {
		items = []PlutusData{}
	}
	return PlutusData{Kind: KindList, Items: items}
}

// EmptyDatum is the zero-field constructor-0 placeholder used when an output
// carries no inline datum.
func EmptyDatum() PlutusData {
	return NewConstr(0)
}

type jsonPair struct {
	K json.RawMessage `json:"k"`
	V json.RawMessage `json:"v"`
}

// MarshalJSON renders the datum in the canonical structured wire form:
// {"constructor":n,"fields":[...]}, {"bytes":"hex"}, {"int":n},
// {"map":[{"k":...,"v":...}]} or {"list":[...]}.
func (pd PlutusData) MarshalJSON() ([]byte, error) {
	switch pd.Kind {
	case KindConstr:
		fields := pd.Fields
		if fields == nil {
			fields = []PlutusData{}
		}
		return json.Marshal(struct {
			Constructor uint64       `json:"constructor"`
			Fields      []PlutusData `json:"fields"`
		}{pd.Constructor, fields})
	case KindBytes:
		return json.Marshal(struct {
			Bytes string `json:"bytes"`
		}{pd.Bytes})
	case KindInt:
		return json.Marshal(struct {
			Int int64 `json:"int"`
		}{pd.Int})
	case KindMap:
		pairs := make([]map[string]PlutusData, 0, len(pd.Pairs))
		for _, p := range pd.Pairs {
			pairs = append(pairs, map[string]PlutusData{"k": p.K, "v": p.V})
		}
		return json.Marshal(struct {
			Map []map[string]PlutusData `json:"map"`
		}{pairs})
	case KindList:
		items := pd.Items
		if items == nil {
			items = []PlutusData{}
		}
		return json.Marshal(struct {
			List []PlutusData `json:"list"`
		}{items})
	}
	return nil, fmt.Errorf("unknown datum kind %d", pd.Kind)
}

// UnmarshalJSON parses the canonical structured wire form.
func (pd *PlutusData) UnmarshalJSON(b []byte) error {
	var probe struct {
		Constructor *uint64           `json:"constructor"`
		Fields      []json.RawMessage `json:"fields"`
		Bytes       *string           `json:"bytes"`
		Int         *int64            `json:"int"`
		Map         []jsonPair        `json:"map"`
		List        []json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	switch {
	case probe.Constructor != nil:
		pd.Kind = KindConstr
		pd.Constructor = *probe.Constructor
		pd.Fields = make([]PlutusData, len(probe.Fields))
		for i, raw := range probe.Fields {
			if err := json.Unmarshal(raw, &pd.Fields[i]); err != nil {
				return err
			}
		}
	case probe.Bytes != nil:
		pd.Kind = KindBytes
		pd.Bytes = *probe.Bytes
	case probe.Int != nil:
		pd.Kind = KindInt
		pd.Int = *probe.Int
	case probe.Map != nil:
		pd.Kind = KindMap
		pd.Pairs = make([]PlutusPair, len(probe.Map))
		for i, p := range probe.Map {
			if err := json.Unmarshal(p.K, &pd.Pairs[i].K); err != nil {
				return err
			}
			if err := json.Unmarshal(p.V, &pd.Pairs[i].V); err != nil {
				return err
			}
		}
	case probe.List != nil:
		pd.Kind = KindList
		pd.Items = make([]PlutusData, len(probe.List))
		for i, raw := range probe.List {
			if err := json.Unmarshal(raw, &pd.Items[i]); err != nil {
				return err
			}
		}
	default:
		return errors.New("datum is not constructor, bytes, int, map or list")
	}
	return nil
}

// field returns the i'th constructor field, false when out of range or the
// datum is not a constructor.
func (pd *PlutusData) field(i int) (*PlutusData, bool) {
	if pd == nil || pd.Kind != KindConstr || i >= len(pd.Fields) {
		return nil, false
	}
	return &pd.Fields[i], true
}

// Wallet is an owner credential pair: a payment key hash and an optional
// staking key hash, both hex.
type Wallet struct {
	PaymentKeyHash string
	StakeKeyHash   string
}

func (w Wallet) validate() error {
	if len(w.PaymentKeyHash) != 56 {
		return fmt.Errorf("payment key hash has length %d, want 56", len(w.PaymentKeyHash))
	}
	if l := len(w.StakeKeyHash); l != 0 && l != 56 {
		return fmt.Errorf("stake key hash has length %d, want 0 or 56", l)
	}
	return nil
}

// Token is an asset triple: policy id, asset name and amount.
type Token struct {
	PolicyID string
	Name     string
	Amount   int64
}

// Value returns the Token as a single-asset Value. The empty asset class
// denotes the base currency and lands on the lovelace key.
func (t Token) Value() Value {
	if t.PolicyID == "" && t.Name == "" {
		return NewValue(t.Amount)
	}
	return FromAsset(t.PolicyID, t.Name, t.Amount)
}

func parseWallet(pd *PlutusData) (Wallet, error) {
	if pd.Kind != KindConstr || len(pd.Fields) != 2 {
		return Wallet{}, errors.New("wallet datum is not a two-field constructor")
	}
	pkh, _ := pd.field(0)
	sc, _ := pd.field(1)
	if pkh.Kind != KindBytes || sc.Kind != KindBytes {
		return Wallet{}, errors.New("wallet fields are not byte strings")
	}
	w := Wallet{PaymentKeyHash: pkh.Bytes, StakeKeyHash: sc.Bytes}
	return w, w.validate()
}

func parseToken(pd *PlutusData) (Token, error) {
	if pd.Kind != KindConstr || len(pd.Fields) != 3 {
		return Token{}, errors.New("token datum is not a three-field constructor")
	}
	pid, _ := pd.field(0)
	name, _ := pd.field(1)
	amt, _ := pd.field(2)
	if pid.Kind != KindBytes || name.Kind != KindBytes || amt.Kind != KindInt {
		return Token{}, errors.New("token fields have wrong shapes")
	}
	return Token{PolicyID: pid.Bytes, Name: name.Bytes, Amount: amt.Int}, nil
}

// SaleDatum is the typed view of a sale contract datum.
type SaleDatum struct {
	Owner         Wallet
	Bundle        Token
	Cost          Token
	MaxBundleSize int64
}

// ParseSaleDatum extracts and validates a sale datum.
func ParseSaleDatum(pd *PlutusData) (*SaleDatum, error) {
	if pd == nil || pd.Kind != KindConstr || len(pd.Fields) != 4 {
		return nil, errors.New("sale datum is not a four-field constructor")
	}
	owner, err := parseWallet(&pd.Fields[0])
	if err != nil {
		return nil, fmt.Errorf("sale owner: %w", err)
	}
	bundle, err := parseToken(&pd.Fields[1])
	if err != nil {
		return nil, fmt.Errorf("sale bundle: %w", err)
	}
	if bundle.Amount <= 0 {
		return nil, fmt.Errorf("sale bundle amount %d is not positive", bundle.Amount)
	}
	cost, err := parseToken(&pd.Fields[2])
	if err != nil {
		return nil, fmt.Errorf("sale cost: %w", err)
	}
	if cost.Amount <= 0 {
		return nil, fmt.Errorf("sale cost amount %d is not positive", cost.Amount)
	}
	maxField, ok := pd.field(3)
	if !ok || maxField.Kind != KindInt {
		return nil, errors.New("sale max bundle size is not an integer")
	}
	if maxField.Int <= 0 {
		return nil, fmt.Errorf("sale max bundle size %d is not positive", maxField.Int)
	}
	return &SaleDatum{Owner: owner, Bundle: bundle, Cost: cost, MaxBundleSize: maxField.Int}, nil
}

// UsesUSD reports whether the sale cost is USD-denominated and needs oracle
// conversion.
func (sd *SaleDatum) UsesUSD() bool {
	return sd.Cost.PolicyID == PolicyUSD
}

// BundleValue returns one bundle unit as a Value.
func (sd *SaleDatum) BundleValue() Value {
	return sd.Bundle.Value()
}

// CostValue returns one cost unit as a Value. USD-denominated sales must be
// converted with ConvertedCostValue instead.
func (sd *SaleDatum) CostValue() Value {
	return sd.Cost.Value()
}

// QueueDatum is the typed view of a queue entry datum.
type QueueDatum struct {
	Owner        Wallet
	BundleSize   int64
	Incentive    Token
	PointerToken string
}

// ParseQueueDatum extracts a queue datum without the allowlist check; use
// Validate for the full order-eligibility test.
func ParseQueueDatum(pd *PlutusData) (*QueueDatum, error) {
	if pd == nil || pd.Kind != KindConstr || len(pd.Fields) != 4 {
		return nil, errors.New("queue datum is not a four-field constructor")
	}
	owner, err := parseWallet(&pd.Fields[0])
	if err != nil {
		return nil, fmt.Errorf("queue owner: %w", err)
	}
	sizeField, ok := pd.field(1)
	if !ok || sizeField.Kind != KindInt {
		return nil, errors.New("queue bundle size is not an integer")
	}
	if sizeField.Int <= 0 {
		return nil, fmt.Errorf("queue bundle size %d is not positive", sizeField.Int)
	}
	incentive, err := parseToken(&pd.Fields[2])
	if err != nil {
		return nil, fmt.Errorf("queue incentive: %w", err)
	}
	if incentive.Amount <= 0 {
		return nil, fmt.Errorf("queue incentive amount %d is not positive", incentive.Amount)
	}
	ptrField, ok := pd.field(3)
	if !ok || ptrField.Kind != KindBytes {
		return nil, errors.New("queue pointer token is not a byte string")
	}
	if len(ptrField.Bytes) != 64 {
		return nil, fmt.Errorf("queue pointer token has length %d, want 64", len(ptrField.Bytes))
	}
	return &QueueDatum{
		Owner:        owner,
		BundleSize:   sizeField.Int,
		Incentive:    incentive,
		PointerToken: ptrField.Bytes,
	}, nil
}

// Validate runs the full order-eligibility test, including the incentive
// allowlist.
func (qd *QueueDatum) Validate(allowed Allowlist) error {
	if !allowed.Allowed(qd.Incentive.PolicyID, qd.Incentive.Name) {
		return fmt.Errorf("incentive asset %s.%s is not allowed",
			qd.Incentive.PolicyID, qd.Incentive.Name)
	}
	return nil
}

// IncentiveValue returns the offered incentive as a Value.
func (qd *QueueDatum) IncentiveValue() Value {
	return qd.Incentive.Value()
}

// OracleDatum is the typed view of the oracle price feed: a quote and its
// validity window in unix milliseconds.
type OracleDatum struct {
	Price      int64
	ValidStart int64
	ValidEnd   int64
}

// ParseOracleDatum extracts the price map from the oracle datum. The feed is
// an integer-keyed map nested two constructors deep: key 0 the quote, key 1
// the window start, key 2 the window end.
func ParseOracleDatum(pd *PlutusData) (*OracleDatum, error) {
	outer, ok := pd.field(0)
	if !ok {
		return nil, errors.New("oracle datum missing feed wrapper")
	}
	inner, ok := outer.field(0)
	if !ok || inner.Kind != KindMap {
		return nil, errors.New("oracle datum missing price map")
	}
	od := &OracleDatum{}
	seen := 0
	for _, pair := range inner.Pairs {
		if pair.K.Kind != KindInt || pair.V.Kind != KindInt {
			return nil, errors.New("oracle price map is not integer keyed and valued")
		}
		switch pair.K.Int {
		case 0:
			od.Price = pair.V.Int
			seen++
		case 1:
			od.ValidStart = pair.V.Int
			seen++
		case 2:
			od.ValidEnd = pair.V.Int
			seen++
		}
	}
	if seen != 3 {
		return nil, fmt.Errorf("oracle price map has %d of 3 required keys", seen)
	}
	if od.Price <= 0 {
		return nil, fmt.Errorf("oracle price %d is not positive", od.Price)
	}
	return od, nil
}

// DataDatum is the typed view of the global protocol parameters consumed by
// settlement: the profit margin and the asset profit is paid in.
type DataDatum struct {
	ProfitMargin int64 // USD base units; zero disables the vault leg
	ProfitPolicy string
	ProfitName   string
}

// ParseDataDatum extracts the profit parameters, which live in the eighth
// field's inner constructor at positions 3, 4 and 5.
func ParseDataDatum(pd *PlutusData) (*DataDatum, error) {
	inner, ok := pd.field(7)
	if !ok || inner.Kind != KindConstr || len(inner.Fields) < 6 {
		return nil, errors.New("data datum missing fee settings constructor")
	}
	pid, _ := inner.field(3)
	name, _ := inner.field(4)
	margin, _ := inner.field(5)
	if pid.Kind != KindBytes || name.Kind != KindBytes || margin.Kind != KindInt {
		return nil, errors.New("data datum fee settings have wrong shapes")
	}
	if margin.Int < 0 {
		return nil, fmt.Errorf("profit margin %d is negative", margin.Int)
	}
	return &DataDatum{
		ProfitMargin: margin.Int,
		ProfitPolicy: pid.Bytes,
		ProfitName:   name.Bytes,
	}, nil
}
