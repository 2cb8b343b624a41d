package notify

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/digidov/receiptd/pkg/receipt"
)

// RenderPDF produces the official receipt document. It is a pure
// function of the receipt and party data: no network calls, and the
// creation date is pinned to the donation date so identical inputs
// produce identical bytes.
func RenderPDF(r *receipt.DonationReceipt, donor *receipt.Donor, charity *receipt.Charity) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.SetCreationDate(r.DonationDate)
	pdf.SetModificationDate(r.DonationDate)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 12, "Official Donation Receipt")
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "", 10)
	switch r.Jurisdiction {
	case receipt.CRA:
		pdf.Cell(0, 6, "For income tax purposes - Canada Revenue Agency")
	case receipt.IRS:
		pdf.Cell(0, 6, "For income tax purposes - Internal Revenue Service")
	}
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, charity.Name)
	pdf.Ln(7)
	pdf.SetFont("Helvetica", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Registration number: %s", charity.RegistrationNumber))
	pdf.Ln(10)

	rows := [][2]string{
		{"Receipt number", r.ReceiptNumber},
		{"Date of donation", r.DonationDate.UTC().Format("January 2, 2006")},
		{"Date receipt issued", r.DonationDate.UTC().Format("January 2, 2006")},
		{"Donor", donor.FullName()},
		{"Donor address", donor.Address},
		{"Donor wallet", donor.WalletAddress},
		{"Donated amount", fmt.Sprintf("%s wei (%s)", r.CryptoAmountWei, r.CryptoSymbol)},
		{"Fair market value", fmt.Sprintf("%s %s", r.FiatAmount.StringFixed(2), strings.ToUpper(r.FiatCurrency))},
		{"Exchange rate used", fmt.Sprintf("%.2f %s/%s", r.ExchangeRate, strings.ToUpper(r.FiatCurrency), r.CryptoSymbol)},
		{"Transaction hash", r.TxHash},
		{"Chain", r.ChainID},
	}

	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(55, 7, row[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, 7, row[1], "", "L", false)
	}

	if charity.SignerName != "" {
		pdf.Ln(14)
		pdf.SetFont("Helvetica", "", 10)
		pdf.Cell(0, 6, "_________________________")
		pdf.Ln(6)
		pdf.Cell(0, 6, fmt.Sprintf("%s, authorized signatory", charity.SignerName))
	}

	pdf.Ln(14)
	pdf.SetFont("Helvetica", "I", 8)
	pdf.Cell(0, 5, fmt.Sprintf("Issued by digiDov on behalf of %s.", charity.Name))

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
