package cache

// Nop caches nothing.
type Nop struct{}

func NewNop() *Nop { return &Nop{} }

func (n *Nop) Get(string) (Entry, bool)        { return Entry{}, false }
func (n *Nop) Put(string, Entry, ...PutOption) {}
func (n *Nop) Delete(string)                   {}
func (n *Nop) Len() int                        { return 0 }

var _ Cache = (*Nop)(nil)
