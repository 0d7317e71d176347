package normalize

// homoglyphFold maps confusable codepoints to their ASCII analog. NFKC does
// not touch cross-script confusables (Cyrillic а stays а), so this table is
// applied after compatibility folding. Focused on characters that show up in
// English-language injection phrases, not exhaustive.
var homoglyphFold = map[rune]string{
	// Cyrillic lowercase
	'а': "a", // а
	'е': "e", // е
	'о': "o", // о
	'р': "p", // р
	'с': "c", // с
	'у': "y", // у
	'х': "x", // х
	'і': "i", // і (Ukrainian)
	'ј': "j", // ј (Serbian)
	'ѕ': "s", // ѕ (Macedonian)

	// Cyrillic uppercase
	'А': "A", // А
	'В': "B", // В
	'Е': "E", // Е
	'К': "K", // К
	'М': "M", // М
	'Н': "H", // Н
	'О': "O", // О
	'Р': "P", // Р
	'С': "C", // С
	'Т': "T", // Т
	'Х': "X", // Х

	// Greek lowercase
	'α': "a",  // α
	'β': "b",  // β
	'γ': "g",  // γ
	'δ': "d",  // δ
	'ε': "e",  // ε
	'ζ': "z",  // ζ
	'η': "h",  // η
	'θ': "th", // θ
	'ι': "i",  // ι
	'κ': "k",  // κ
	'λ': "l",  // λ
	'μ': "m",  // μ
	'ν': "n",  // ν
	'ξ': "x",  // ξ
	'ο': "o",  // ο
	'π': "p",  // π
	'ρ': "r",  // ρ
	'σ': "s",  // σ
	'τ': "t",  // τ
	'υ': "u",  // υ
	'φ': "f",  // φ
	'χ': "ch", // χ
	'ψ': "ps", // ψ
	'ω': "o",  // ω

	// Greek uppercase
	'Α': "A",  // Α
	'Β': "B",  // Β
	'Γ': "G",  // Γ
	'Δ': "D",  // Δ
	'Ε': "E",  // Ε
	'Ζ': "Z",  // Ζ
	'Η': "H",  // Η
	'Θ': "TH", // Θ
	'Ι': "I",  // Ι
	'Κ': "K",  // Κ
	'Λ': "L",  // Λ
	'Μ': "M",  // Μ
	'Ν': "N",  // Ν
	'Ξ': "X",  // Ξ
	'Ο': "O",  // Ο
	'Π': "P",  // Π
	'Ρ': "R",  // Ρ
	'Σ': "S",  // Σ
	'Τ': "T",  // Τ
	'Υ': "U",  // Υ
	'Φ': "F",  // Φ
	'Χ': "CH", // Χ
	'Ψ': "PS", // Ψ
	'Ω': "O",  // Ω
}
