package cardano

// Visitor is the capability set a DeltaBuilder drives over every block
// in a roll batch. Implementations
// may leave any method a no-op by embedding NopVisitor.
type Visitor interface {
	OnBlock(ctx *VisitCtx, b *Block)
	OnTx(ctx *VisitCtx, tx *Tx)
	OnInput(ctx *VisitCtx, tx *Tx, ref [36]byte)
	OnOutput(ctx *VisitCtx, tx *Tx, out Output)
	OnMint(ctx *VisitCtx, tx *Tx, m Mint)
	OnWithdrawal(ctx *VisitCtx, tx *Tx, w Withdrawal)
	OnCert(ctx *VisitCtx, tx *Tx, cert Cert)
	OnVote(ctx *VisitCtx, tx *Tx, v Vote)
	OnProposal(ctx *VisitCtx, tx *Tx, p ProposalAction)
	OnUpdate(ctx *VisitCtx, tx *Tx, u *ParamUpdate)
}

// NopVisitor gives embedders a zero-cost default for methods they
// don't care about.
type NopVisitor struct{}

func (NopVisitor) OnBlock(*VisitCtx, *Block)                 {}
func (NopVisitor) OnTx(*VisitCtx, *Tx)                        {}
func (NopVisitor) OnInput(*VisitCtx, *Tx, [36]byte)           {}
func (NopVisitor) OnOutput(*VisitCtx, *Tx, Output)            {}
func (NopVisitor) OnMint(*VisitCtx, *Tx, Mint)                {}
func (NopVisitor) OnWithdrawal(*VisitCtx, *Tx, Withdrawal)    {}
func (NopVisitor) OnCert(*VisitCtx, *Tx, Cert)                {}
func (NopVisitor) OnVote(*VisitCtx, *Tx, Vote)                {}
func (NopVisitor) OnProposal(*VisitCtx, *Tx, ProposalAction)  {}
func (NopVisitor) OnUpdate(*VisitCtx, *Tx, *ParamUpdate)      {}
