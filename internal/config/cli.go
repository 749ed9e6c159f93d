package config

import "github.com/alecthomas/kong"

// Meta describes the tool for version output and usage.
type Meta struct {
	ID        string
	Name      string
	Desc      string
	URL       string
	Author    string
	Version   string
	UserAgent string
}

// Cli is the whole command-line surface. Exactly one operation flag
// may be given per invocation.
type Cli struct {
	Version kong.VersionFlag

	LogLevel   string `kong:"name=log-level,env=LOG_LEVEL,default=info,help='Set log level.'"`
	LogJSON    bool   `kong:"name=log-json,env=LOG_JSON,default=false,help='Enable JSON logging output.'"`
	LogCaller  bool   `kong:"name=log-caller,env=LOG_CALLER,default=false,help='Add file:line of the caller to log output.'"`
	LogNoColor bool   `kong:"name=log-nocolor,env=LOG_NOCOLOR,default=false,help='Disable colorized output.'"`

	// operations
	Decompress      bool   `kong:"name=decompress,short=d,help='Decompress the input files.'"`
	Test            bool   `kong:"name=test,short=t,help='Verify the input files without writing output.'"`
	List            bool   `kong:"name=list,short=l,help='Print the member layout of the input files.'"`
	ByteRepair      bool   `kong:"name=byte-repair,short=B,help='Try to repair a single corrupted byte per member.'"`
	Merge           bool   `kong:"name=merge,short=m,help='Reconcile two or more damaged copies of the same file.'"`
	Reproduce       bool   `kong:"name=reproduce,short=e,help='Rebuild a zeroed sector from reference data with an external compressor.'"`
	Fec             string `kong:"name=fec,short=F,enum=',c,r,t,l',default='',help='Create, repair, test or list fec data.'"`
	Dump            string `kong:"name=dump,help='Dump the selected members/gaps/tdata to the output.'"`
	Strip           string `kong:"name=strip,help='Copy the input to the output stripping the selected members.'"`
	Remove          string `kong:"name=remove,help='Remove the selected members from the files in place.'"`
	Split           bool   `kong:"name=split,short=s,help='Write one file per member, gap and trailing data.'"`
	RangeDecompress string `kong:"name=range-decompress,short=D,help='Decompress only a byte range of the uncompressed stream.'"`
	Unzcrash        string `kong:"name=unzcrash,short=U,help='Fault-injection harness: 1 = bit flips, B<n> = zeroed blocks.'"`
	NonzeroRepair   bool   `kong:"name=nonzero-repair,help='Zero the first LZMA byte of each member in place.'"`

	// modifiers
	Output        string `kong:"name=output,short=o,type=path,help='Write output to this file or directory.'"`
	Force         bool   `kong:"name=force,short=f,help='Overwrite existing output files.'"`
	Stdout        bool   `kong:"name=stdout,short=c,help='Write output to standard output.'"`
	IgnoreErrors  bool   `kong:"name=ignore-errors,short=i,help='Keep going over format and data errors.'"`
	TrailingError bool   `kong:"name=trailing-error,short=a,help='Exit with error status if trailing data is found.'"`
	LooseTrailing bool   `kong:"name=loose-trailing,help='Allow trailing data resembling a corrupt header.'"`
	EmptyError    bool   `kong:"name=empty-error,help='Exit with error status if an empty member is found.'"`
	MarkingError  bool   `kong:"name=marking-error,help='Exit with error status if marking data is found.'"`

	// reproduce
	Reference string `kong:"name=reference-file,type=path,help='Reference file containing the missing plaintext.'"`
	LzipName  string `kong:"name=lzip-name,default=lzip,help='Name of the external lzip-compatible compressor.'"`
	LzipLevel string `kong:"name=lzip-level,default='',help='Compression level or match length to try: 0-9, a or m<len>.'"`

	// fec
	FecAmount Amount `kong:"name=fec-amount,default='8%',help='Amount of fec data: N blocks, NB bytes or N%.'"`
	BlockSize Bytes  `kong:"name=block-size,short=b,default=0,help='Unit fec block size.'"`
	FecLevel  int    `kong:"name=fec-level,short=n,default=9,help='Fec granularity level (0-9).'"`
	Workers   int    `kong:"name=workers,short=w,default=0,help='Number of parallel fec encoders, 0 = number of CPUs.'"`
	GF16      bool   `kong:"name=gf16,help='Force GF(2^16) parity.'"`
	FecRandom bool   `kong:"name=fec-random,help='Choose random fec block numbers.'"`
	FecFile   string `kong:"name=fec-file,type=path,help='Read fec data from this file or directory instead of file.fec.'"`

	// diagnostic harness
	Delta    Bytes  `kong:"name=delta,default=1,help='Stride between fault-injection positions.'"`
	SetByte  string `kong:"name=set-byte,help='Inject pos,val (val may be +delta or ^mask) and test repair.'"`
	Truncate bool   `kong:"name=truncate,help='Harness mode: truncate at every delta-stride length and test.'"`
	Zcmp     string `kong:"name=zcmp,help='External decompress-and-compare command for the harness.'"`

	Files []string `kong:"arg,optional,name=files,help='Input files.'"`
}
